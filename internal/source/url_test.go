package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func TestValidate_AcceptedForms(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		url      string
		protocol schema.Protocol
		host     string
		path     string
	}{
		{"scp-like", "git@github.com:acme/webui.git", "git@github.com:acme/webui.git", schema.ProtocolSSH, "github.com", "acme/webui"},
		{"ssh scheme", "ssh://git@gitlab.com/group/sub/app.git", "ssh://git@gitlab.com/group/sub/app.git", schema.ProtocolSSH, "gitlab.com", "group/sub/app"},
		{"ssh with port", "ssh://git@git.example.com:2222/team/app.git", "ssh://git@git.example.com:2222/team/app.git", schema.ProtocolSSH, "git.example.com", "team/app"},
		{"https normalized", "https://github.com/acme/webui", "https://github.com/acme/webui.git", schema.ProtocolHTTPS, "github.com", "acme/webui"},
		{"https with suffix", "https://github.com/acme/webui.git", "https://github.com/acme/webui.git", schema.ProtocolHTTPS, "github.com", "acme/webui"},
		{"https browse url kept", "https://github.com/acme/webui/tree/dev", "https://github.com/acme/webui/tree/dev", schema.ProtocolHTTPS, "github.com", "acme/webui/tree/dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Policy{}.Validate(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.url, p.URL)
			assert.Equal(t, tt.protocol, p.Protocol)
			assert.Equal(t, tt.host, p.Host)
			assert.Equal(t, tt.path, p.Path)
		})
	}
}

func TestValidate_Rejected(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		msg  string
	}{
		{"empty", "  ", "Empty repository URL"},
		{"http", "http://github.com/acme/webui.git", "Insecure http URLs are not supported"},
		{"ftp", "ftp://github.com/acme/webui.git", "Invalid repository URL format"},
		{"local path", "/srv/git/webui", "Invalid repository URL format"},
		{"option injection", "-uhttps://evil", "Invalid repository URL format"},
		{"embedded credentials", "https://user:pw@github.com/acme/webui.git", "must not embed credentials"},
		{"embedded token", "https://ghp_tok3n@github.com/acme/webui.git", "must not embed credentials"},
		{"ssh password", "ssh://git:pw@gitlab.com/group/app.git", "must not embed credentials"},
		{"no path", "https://github.com/", "Invalid repository URL format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Policy{}.Validate(tt.raw)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestValidate_ErrorsNeverEchoUserinfo(t *testing.T) {
	for _, raw := range []string{
		"https://user:pw@github.com/acme/webui.git",
		"https://ghp_tok3n@github.com/acme/webui.git",
		"http://user:pw@github.com/acme/webui.git",
		"ssh://git:pw@gitlab.com/group/app.git",
		"ftp://user:pw@github.com/acme/webui.git",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := Policy{}.Validate(raw)
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "pw")
			assert.NotContains(t, err.Error(), "ghp_tok3n")
		})
	}
}

func TestRedactUserinfo(t *testing.T) {
	assert.Equal(t, "ftp://***@host/x", redactUserinfo("ftp://user:pw@host/x"))
	assert.Equal(t, "https://host/a@b", redactUserinfo("https://host/a@b"))
	assert.Equal(t, "git@github.com:acme/webui.git", redactUserinfo("git@github.com:acme/webui.git"))
}

func TestValidate_HostAllowList(t *testing.T) {
	p := Policy{AllowedHosts: []string{"github.com", "GitLab.com"}}

	_, err := p.Validate("git@gitlab.com:group/app.git")
	require.NoError(t, err)

	_, err = p.Validate("git@bitbucket.org:team/app.git")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Git host not allowed for SSH URL: bitbucket.org")

	_, err = p.Validate("https://bitbucket.org/team/app.git")
	assert.Contains(t, err.Error(), "Git host not allowed for HTTPS URL")

	p.AllowAnyHost = true
	_, err = p.Validate("https://bitbucket.org/team/app.git")
	assert.NoError(t, err)
}

func TestNormalizeHTTPS(t *testing.T) {
	assert.Equal(t, "https://h/o/r.git", NormalizeHTTPS("https://h/o/r"))
	assert.Equal(t, "https://h/o/r.git", NormalizeHTTPS("https://h/o/r/"))
	assert.Equal(t, "https://h/o/r.git", NormalizeHTTPS("https://h/o/r.git"))
	assert.Equal(t, "https://h/o/r/blob/main/x", NormalizeHTTPS("https://h/o/r/blob/main/x"))
}

func TestParsedURL_Info(t *testing.T) {
	p, err := Policy{}.Validate("https://github.com/open-webui/open-webui")
	require.NoError(t, err)
	info := p.Info()
	assert.Equal(t, "github.com", info.Host)
	assert.Equal(t, "open-webui", info.Owner)
	assert.Equal(t, "open-webui", info.Name)

	p, err = Policy{}.Validate("https://github.com/acme/webui/tree/dev")
	require.NoError(t, err)
	info = p.Info()
	assert.Equal(t, "acme", info.Owner)
	assert.Equal(t, "webui", info.Name)

	p, err = Policy{}.Validate("git@gitlab.com:group/sub/app.git")
	require.NoError(t, err)
	info = p.Info()
	assert.Equal(t, "group/sub", info.Owner)
	assert.Equal(t, "app", info.Name)
}
