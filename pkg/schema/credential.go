package schema

// CredentialType tags the shape of a credential payload.
type CredentialType string

const (
	CredentialSSHKey           CredentialType = "ssh_key"
	CredentialHTTPSToken       CredentialType = "https_token"
	CredentialUsernamePassword CredentialType = "username_password"
	CredentialRegistryBasic    CredentialType = "registry_basic"
	CredentialRegistryKeypair  CredentialType = "registry_keypair"
)

// CredentialTypes lists every supported type in a stable order.
var CredentialTypes = []CredentialType{
	CredentialSSHKey,
	CredentialHTTPSToken,
	CredentialUsernamePassword,
	CredentialRegistryBasic,
	CredentialRegistryKeypair,
}

// Valid reports whether t is a known credential type.
func (t CredentialType) Valid() bool {
	for _, c := range CredentialTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Lifecycle is the uniform soft-delete state shared by credentials and repositories.
type Lifecycle string

const (
	LifecycleActive      Lifecycle = "active"
	LifecycleDeactivated Lifecycle = "deactivated"
	LifecycleDeleted     Lifecycle = "deleted"
)

// Protocol is the transport family of a repository URL.
type Protocol string

const (
	ProtocolSSH   Protocol = "ssh"
	ProtocolHTTPS Protocol = "https"
)

// Compatible reports whether a credential of type t may be bound to protocol p.
func (p Protocol) Compatible(t CredentialType) bool {
	switch p {
	case ProtocolSSH:
		return t == CredentialSSHKey
	case ProtocolHTTPS:
		return t == CredentialHTTPSToken || t == CredentialUsernamePassword
	}
	return false
}

// VerificationStatus records the outcome of the last reachability check.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// RegistryType identifies the flavor of a container registry.
type RegistryType string

const (
	RegistryDockerHub RegistryType = "docker_hub"
	RegistryECR       RegistryType = "aws_ecr"
	RegistryQuay      RegistryType = "quay_io"
	RegistryGitHub    RegistryType = "github_registry"
	RegistryGitLab    RegistryType = "gitlab_registry"
	RegistryGeneric   RegistryType = "generic"
)

// Valid reports whether t is a known registry type.
func (t RegistryType) Valid() bool {
	switch t {
	case RegistryDockerHub, RegistryECR, RegistryQuay, RegistryGitHub, RegistryGitLab, RegistryGeneric:
		return true
	}
	return false
}
