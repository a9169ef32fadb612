package google

// Config holds Google Play settings.
type Config struct {
	PackageName     string `env:"GOOGLE_PACKAGE_NAME,required"`
	CredentialsFile string `env:"GOOGLE_CREDENTIALS_FILE"`
	// PushAudience enables OIDC verification of Pub/Sub push requests.
	PushAudience string `env:"GOOGLE_PUSH_AUDIENCE"`
}
