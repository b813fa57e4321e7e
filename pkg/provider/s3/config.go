// Package s3 implements the provider interface on AWS S3 and S3-compatible
// stores. It backs both roles a manifest can name: the durable checkpoint
// store and a remote dataset source.
package s3

// DefaultMaxKeys is the page size used for List when none is configured.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the largest page size S3 accepts.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is applied for AWS S3 when no region resolves from
// config, environment, or profile.
const DefaultAWSRegion = "us-east-1"

// Config configures an S3 provider.
//
// Credentials resolve through the AWS SDK v2 default chain unless
// AccessKeyID/SecretAccessKey are set explicitly: environment variables,
// shared credentials/config files (honoring Profile), then instance or task
// roles. For S3-compatible stores (MinIO, Wasabi, moto in tests) set
// Endpoint and usually ForcePathStyle; no default region is applied when an
// Endpoint is present.
type Config struct {
	// Bucket is the bucket holding checkpoints or dataset objects. Required.
	Bucket string

	// Region is the AWS region. Empty falls back to the SDK-resolved
	// region, then DefaultAWSRegion for AWS S3.
	Region string

	// Endpoint points at an S3-compatible store, e.g.
	// http://localhost:9000 for MinIO. Empty means AWS S3.
	Endpoint string

	// Profile selects a shared-config profile. Empty uses the default
	// chain.
	Profile string

	// AccessKeyID, with SecretAccessKey, bypasses the default credential
	// chain. Both must be set together.
	AccessKeyID string

	// SecretAccessKey pairs with AccessKeyID.
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path instead of the
	// subdomain. Most S3-compatible stores require it.
	ForcePathStyle bool

	// MaxKeys is the default List page size. Zero uses DefaultMaxKeys;
	// values over MaxAllowedKeys are clamped.
	MaxKeys int
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError reports an invalid provider configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
