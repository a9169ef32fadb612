package apple

// Config holds App Store settings.
type Config struct {
	BundleID string `env:"APPLE_BUNDLE_ID,required"`
	// RootCertFile is a PEM file with Apple Root CA - G3.
	RootCertFile string `env:"APPLE_ROOT_CERT_FILE,required"`
}
