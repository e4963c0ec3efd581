package source

import (
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/rendis/webforge/pkg/schema"
)

var (
	scpLikeRe = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+$`)
	sshURLRe  = regexp.MustCompile(`^ssh://[A-Za-z0-9._-]+@[A-Za-z0-9.-]+(:[0-9]+)?/[A-Za-z0-9._~/-]+$`)
	httpsRe   = regexp.MustCompile(`^https://[A-Za-z0-9.-]+(:[0-9]+)?/[A-Za-z0-9._~/-]+$`)
)

// Policy decides which repository URLs are acceptable.
type Policy struct {
	// AllowedHosts restricts repository hosts. Empty means no restriction.
	AllowedHosts []string
	AllowAnyHost bool
}

// ParsedURL is a validated repository URL.
type ParsedURL struct {
	URL      string // normalized
	Protocol schema.Protocol
	Host     string
	Path     string // without leading slash or .git suffix
}

// Info describes a repository URL without touching the network.
type Info struct {
	URL      string          `json:"url"`
	Protocol schema.Protocol `json:"protocol"`
	Host     string          `json:"host"`
	Owner    string          `json:"owner,omitempty"`
	Name     string          `json:"name"`
}

// Validate checks raw against the supported URL forms and the host
// allow-list. The returned error carries the specific rejection reason.
func (p Policy) Validate(raw string) (*ParsedURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Empty repository URL")
	}

	if embedsCredentials(raw) {
		return nil, embeddedCredentials()
	}

	var protocol schema.Protocol
	switch {
	case strings.HasPrefix(raw, "http://"):
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "Insecure http URLs are not supported: %s", redactUserinfo(raw))
	case strings.HasPrefix(raw, "https://"):
		if !httpsRe.MatchString(raw) {
			return nil, invalidURL(raw)
		}
		protocol = schema.ProtocolHTTPS
	case strings.HasPrefix(raw, "ssh://"):
		if !sshURLRe.MatchString(raw) {
			return nil, invalidURL(raw)
		}
		protocol = schema.ProtocolSSH
	case scpLikeRe.MatchString(raw):
		protocol = schema.ProtocolSSH
	default:
		return nil, invalidURL(raw)
	}

	ep, err := transport.NewEndpoint(raw)
	if err != nil {
		return nil, invalidURL(raw).WithCause(err)
	}
	if ep.Password != "" || (protocol == schema.ProtocolHTTPS && ep.User != "") {
		return nil, embeddedCredentials()
	}

	host := strings.ToLower(ep.Host)
	if !p.hostAllowed(host) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "Git host not allowed for %s URL: %s", strings.ToUpper(string(protocol)), host)
	}

	path := strings.TrimSuffix(strings.Trim(ep.Path, "/"), ".git")
	if path == "" {
		return nil, invalidURL(raw)
	}

	normalized := raw
	if protocol == schema.ProtocolHTTPS {
		normalized = NormalizeHTTPS(raw)
	}
	return &ParsedURL{URL: normalized, Protocol: protocol, Host: host, Path: path}, nil
}

// NormalizeHTTPS appends .git unless the URL already has it or points at a
// browse page (tree or blob view).
func NormalizeHTTPS(raw string) string {
	if strings.HasSuffix(raw, ".git") || strings.Contains(raw, "/tree/") || strings.Contains(raw, "/blob/") {
		return raw
	}
	return strings.TrimSuffix(raw, "/") + ".git"
}

// Info splits the path into owner and repository name.
func (u *ParsedURL) Info() *Info {
	info := &Info{URL: u.URL, Protocol: u.Protocol, Host: u.Host}
	path := u.Path
	if i := strings.Index(path, "/tree/"); i >= 0 {
		path = path[:i]
	} else if i := strings.Index(path, "/blob/"); i >= 0 {
		path = path[:i]
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		info.Owner = path[:i]
		info.Name = path[i+1:]
	} else {
		info.Name = path
	}
	return info
}

func (p Policy) hostAllowed(host string) bool {
	if p.AllowAnyHost || len(p.AllowedHosts) == 0 {
		return true
	}
	for _, h := range p.AllowedHosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

func invalidURL(raw string) *schema.ForgeError {
	return schema.NewErrorf(schema.ErrCodeValidation, "Invalid repository URL format: %s", redactUserinfo(raw))
}

func embeddedCredentials() *schema.ForgeError {
	return schema.NewError(schema.ErrCodeValidation, "Repository URL must not embed credentials")
}

// userinfo returns the part of a scheme URL between "://" and the last "@"
// of its authority, and where the authority starts.
func userinfo(raw string) (info string, start int, ok bool) {
	i := strings.Index(raw, "://")
	if i < 0 {
		return "", 0, false
	}
	start = i + 3
	authority := raw[start:]
	if end := strings.IndexAny(authority, "/?#"); end >= 0 {
		authority = authority[:end]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return "", 0, false
	}
	return authority[:at], start, true
}

// embedsCredentials reports a password in any scheme URL, or any userinfo
// in an http(s) URL where the user part is a token.
func embedsCredentials(raw string) bool {
	info, _, ok := userinfo(raw)
	if !ok {
		return false
	}
	if strings.Contains(info, ":") {
		return true
	}
	return strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://")
}

// redactUserinfo masks the userinfo of a scheme URL for error messages.
func redactUserinfo(raw string) string {
	info, start, ok := userinfo(raw)
	if !ok {
		return raw
	}
	return raw[:start] + "***" + raw[start+len(info):]
}
