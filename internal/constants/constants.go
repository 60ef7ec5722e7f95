package constants

const (
	AppName      = "quantumauth"
	ProviderName = "quantum-auth-provider"

	StoreFile        = "provider_store.json"
	HardwareKeysFile = "hardware_keys.json"
	TPMKeyRefFile    = "tpm_keyref.json"
	CredentialsFile  = "credentials.json"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// StoreNamespace is the storage key the provider state is persisted under.
	StoreNamespace = "quantumauth.store"

	// AAD for persisted provider state.
	AADConstant = "quantumauth:provider:store:v1"

	// Scopes the sealed DEK of the store file.
	StoreSealerLabel = "quantumauth:provider:store:dek:v1"

	// Scopes the sealed DEK of a hardware key so it can't be mixed with other sealed blobs.
	SealerLabel = "quantumauth:hwkey:dek:v1"

	// AAD for hardware key payload encryption (must match on decrypt).
	PayloadAAD = "quantumauth:hwkey:payload:v1"

	// AAD and sealer label of the platform credential file.
	CredentialAAD         = "quantumauth:provider:credentials:v1"
	CredentialSealerLabel = "quantumauth:provider:credentials:dek:v1"

	KeyringService    = "QuantumAuthProvider"
	HardwareRefPrefix = "qa-hw:"

	PassphraseEnv = "QA_STORE_PASSPHRASE"
)
