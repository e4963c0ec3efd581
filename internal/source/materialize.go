package source

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rendis/webforge/internal/vault"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	tempDirPrefix = "webforge-cred-"

	askpassScript = `#!/bin/sh
case "$1" in
  Username*|username*) printf '%%s\n' "$GIT_USERNAME" ;;
  *) cat '%s' ;;
esac
`
	sshAskpassScript = "#!/bin/sh\ncat '%s'\n"
)

// Artifacts are the short-lived files and environment that hand a decrypted
// credential to one git invocation. Cleanup must always be deferred.
type Artifacts struct {
	// Env is appended to the child's environment.
	Env []string
	// Message describes weakened settings, such as disabled host key checks.
	Message string
	// Redact lists secret values to scrub from captured tool output.
	Redact []string

	dir  string
	once sync.Once
}

// Cleanup removes every file created for the invocation. Safe to call more
// than once; files already gone are not an error.
func (a *Artifacts) Cleanup() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.dir != "" {
			_ = os.RemoveAll(a.dir)
		}
	})
}

// Materialize writes the credential for protocol into a private temp
// directory and returns the environment git needs to use it. A nil payload
// yields anonymous access with interactive prompts disabled.
func Materialize(protocol schema.Protocol, typ schema.CredentialType, payload vault.Payload, logger *slog.Logger) (*Artifacts, error) {
	if payload == nil {
		return &Artifacts{Env: []string{"GIT_TERMINAL_PROMPT=0"}}, nil
	}
	if !protocol.Compatible(typ) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"credential type %s cannot be used with %s repositories", typ, protocol)
	}

	dir, err := os.MkdirTemp("", tempDirPrefix)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExternalTool, "Credential setup failed: cannot create temp directory").WithCause(err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, schema.NewError(schema.ErrCodeExternalTool, "Credential setup failed: cannot secure temp directory").WithCause(err)
	}
	a := &Artifacts{dir: dir}

	switch protocol {
	case schema.ProtocolSSH:
		err = a.sshKey(payload, logger)
	default:
		err = a.httpsAskpass(payload)
	}
	if err != nil {
		a.Cleanup()
		return nil, err
	}
	return a, nil
}

func (a *Artifacts) sshKey(payload vault.Payload, logger *slog.Logger) error {
	key := payload.String("private_key")
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "Credential setup failed: ssh key payload has no private_key")
	}
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	keyFile, err := a.write("id_key", key, 0o600)
	if err != nil {
		return err
	}

	opts := []string{"ssh", "-i", quote(keyFile), "-o", "IdentitiesOnly=yes", "-o", "BatchMode=yes"}
	if known := payload.String("known_hosts"); known != "" {
		knownFile, err := a.write("known_hosts", known, 0o600)
		if err != nil {
			return err
		}
		opts = append(opts, "-o", "UserKnownHostsFile="+quote(knownFile), "-o", "StrictHostKeyChecking=yes")
	} else {
		opts = append(opts, "-o", "UserKnownHostsFile=/dev/null", "-o", "StrictHostKeyChecking=no")
		a.Message = "Host key checking disabled: credential has no known_hosts"
		if logger != nil {
			logger.Warn("ssh host key checking disabled for git invocation", "reason", "no known_hosts in credential")
		}
	}

	if pass := payload.String("passphrase"); pass != "" {
		passFile, err := a.write("passphrase", pass, 0o600)
		if err != nil {
			return err
		}
		script, err := a.write("ssh-askpass.sh", fmt.Sprintf(sshAskpassScript, passFile), 0o700)
		if err != nil {
			return err
		}
		// BatchMode would suppress the askpass prompt.
		opts = removeOpt(opts, "BatchMode=yes")
		a.Env = append(a.Env, "SSH_ASKPASS="+script, "SSH_ASKPASS_REQUIRE=force", "DISPLAY=:0")
		a.Redact = append(a.Redact, pass)
	}

	a.Env = append(a.Env, "GIT_SSH_COMMAND="+strings.Join(opts, " "), "GIT_TERMINAL_PROMPT=0")
	return nil
}

func (a *Artifacts) httpsAskpass(payload vault.Payload) error {
	user := payload.String("username")
	secret := payload.String("token")
	if secret == "" {
		secret = payload.String("password")
	}
	if user == "" || secret == "" {
		return schema.NewError(schema.ErrCodeValidation, "Credential setup failed: https credential needs username and secret")
	}
	secretFile, err := a.write("secret", secret, 0o600)
	if err != nil {
		return err
	}
	script, err := a.write("askpass.sh", fmt.Sprintf(askpassScript, secretFile), 0o700)
	if err != nil {
		return err
	}
	a.Env = append(a.Env,
		"GIT_ASKPASS="+script,
		"GIT_USERNAME="+user,
		"GIT_TERMINAL_PROMPT=0",
	)
	a.Redact = append(a.Redact, secret)
	return nil
}

func (a *Artifacts) write(name, content string, mode os.FileMode) (string, error) {
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExternalTool, "Credential setup failed: cannot write %s", name).WithCause(err)
	}
	// WriteFile honors umask; force the exact mode.
	if err := os.Chmod(path, mode); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExternalTool, "Credential setup failed: cannot chmod %s", name).WithCause(err)
	}
	return path, nil
}

func removeOpt(opts []string, value string) []string {
	out := opts[:0]
	for i := 0; i < len(opts); i++ {
		if opts[i] == "-o" && i+1 < len(opts) && opts[i+1] == value {
			i++
			continue
		}
		out = append(out, opts[i])
	}
	return out
}

func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
