package server

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/pipeline"
	"github.com/realmauth/realm-oidc/storage"
)

// validateRedirectURIStage checks the redirect_uri against the resolved
// client's registrations. Until this stage succeeds, errors must never be
// delivered by redirect; afterwards the context marks the URI validated and
// protocol errors flow back to the client.
func (s *Server) validateRedirectURIStage(ctx context.Context, rc *authorizeContext) (pipeline.Outcome, error) {
	client := rc.mustClient()

	fail := func(err *oidc.Error) (pipeline.Outcome, error) {
		s.recordValidationFailure(ctx, client.ClientID, rc.request.RealmID, "redirect_uri", err.Code)
		rc.fail(err)
		return pipeline.Halt, nil
	}

	redirectURI := rc.request.Raw.Get(oidc.ParamRedirectURI)
	if redirectURI == "" {
		return fail(oidc.ErrInvalidRequest("redirect_uri is required"))
	}
	if len(redirectURI) > s.config.InputLengthRestrictions.RedirectURI {
		return fail(oidc.ErrInvalidRequest("redirect_uri exceeds length limit"))
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		return fail(oidc.ErrInvalidRequest("redirect_uri must be an absolute URI"))
	}
	if client.ProtocolType != storage.ProtocolTypeOIDC {
		return fail(oidc.ErrUnauthorizedClient("client protocol does not permit redirect-based flows"))
	}

	matched := false
	for _, registered := range client.RedirectURIs {
		ok, err := s.redirects.Matches(registered, redirectURI)
		if err != nil {
			s.logger.Error("Registered redirect URI pattern is invalid",
				"client_id", client.ClientID, "pattern", registered, "error", err)
			continue
		}
		if ok {
			matched = true
			break
		}
	}
	if !matched {
		s.logger.Warn("Redirect URI rejected",
			"client_id", client.ClientID,
			"redirect_uri", safeTruncate(redirectURI, 256))
		return fail(oidc.ErrInvalidRequest("invalid redirect_uri"))
	}

	rc.redirectURI = redirectURI
	rc.redirectValidated = true
	return pipeline.Continue, nil
}

// redirectURIMatcher matches candidate URIs against registered values, which
// are either literals or wildcard patterns. Supported wildcards:
//
//	://*.   any subdomain           https://*.example.com/cb
//	:*      any port                https://localhost:*/cb
//	/*      one path segment        https://app.example.com/cb/*
//	/**     any path suffix         https://localhost:5001/**
//
// Patterns compile to anchored regular expressions exactly once and are
// cached for the life of the process. Literals never touch the regexp path.
type redirectURIMatcher struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

func newRedirectURIMatcher() *redirectURIMatcher {
	return &redirectURIMatcher{cache: make(map[string]*regexp.Regexp)}
}

// Matches reports whether uri is covered by the registered value.
func (m *redirectURIMatcher) Matches(registered, uri string) (bool, error) {
	if !isWildcardPattern(registered) {
		return registered == uri, nil
	}

	m.mu.RLock()
	re, ok := m.cache[registered]
	m.mu.RUnlock()
	if !ok {
		var err error
		re, err = compileWildcardPattern(registered)
		if err != nil {
			return false, err
		}
		m.mu.Lock()
		m.cache[registered] = re
		m.mu.Unlock()
	}
	return re.MatchString(uri), nil
}

func isWildcardPattern(registered string) bool {
	return strings.Contains(registered, "*")
}

// Placeholder bytes survive regexp.QuoteMeta so wildcard tokens can be
// swapped in after the literal parts are escaped.
const (
	placeholderDomain  = "\x00d\x00"
	placeholderPort    = "\x00p\x00"
	placeholderDeep    = "\x00g\x00"
	placeholderSegment = "\x00s\x00"
)

var wildcardReplacer = strings.NewReplacer(
	"://*.", "://"+placeholderDomain,
	":*", placeholderPort,
	"/**", placeholderDeep,
	"/*", placeholderSegment,
)

func compileWildcardPattern(pattern string) (*regexp.Regexp, error) {
	substituted := wildcardReplacer.Replace(pattern)
	if strings.Contains(substituted, "*") {
		return nil, fmt.Errorf("unsupported wildcard placement in pattern %q", pattern)
	}

	quoted := regexp.QuoteMeta(substituted)
	quoted = strings.ReplaceAll(quoted, placeholderDomain, `([^/]+\.)`)
	quoted = strings.ReplaceAll(quoted, placeholderPort, `(:\d+)?`)
	quoted = strings.ReplaceAll(quoted, placeholderDeep, `(/.*)?`)
	quoted = strings.ReplaceAll(quoted, placeholderSegment, `/[^/]*`)

	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return re, nil
}
