package encryption

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// KMSClient is the subset of the AWS KMS API used by KMSKeyStore.
type KMSClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	UpdateAlias(ctx context.Context, params *kms.UpdateAliasInput, optFns ...func(*kms.Options)) (*kms.UpdateAliasOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKeyStore keeps key-encryption keys in AWS KMS, where key material is
// held in HSMs and never exported. Aliases map to KMS aliases ("alias/<name>").
// Wrapping and unwrapping go through the Tink AWS KMS integration.
type KMSKeyStore struct {
	client KMSClient
}

func NewKMSKeyStore(client KMSClient) *KMSKeyStore {
	return &KMSKeyStore{client: client}
}

// NewKMSKeyStoreFromConfig creates a key store using the default AWS
// credential chain, optionally pinned to a region.
func NewKMSKeyStoreFromConfig(ctx context.Context, region string) (*KMSKeyStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewKMSKeyStore(kms.NewFromConfig(cfg)), nil
}

func kmsAlias(alias string) string {
	return "alias/" + alias
}

// describe returns the metadata of the key behind alias, or nil when the
// alias does not exist.
func (s *KMSKeyStore) describe(ctx context.Context, alias string) (*types.KeyMetadata, error) {
	out, err := s.client.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(kmsAlias(alias)),
	})
	if err != nil {
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("describing key %q: %w", alias, err)
	}
	return out.KeyMetadata, nil
}

// HasKey reports whether alias names a key that can be used. An alias bound
// to a disabled key has no usable key.
func (s *KMSKeyStore) HasKey(ctx context.Context, alias string) (bool, error) {
	meta, err := s.describe(ctx, alias)
	if err != nil {
		return false, err
	}
	return meta != nil && meta.Enabled, nil
}

// GenerateKey creates a symmetric KMS key and points alias at it. An existing
// alias is repointed, whether or not its key is still enabled; the previous
// key is left for KMS lifecycle policies to retire.
func (s *KMSKeyStore) GenerateKey(ctx context.Context, alias string) error {
	created, err := s.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("blind-signed token keyset encryption key"),
		KeySpec:     types.KeySpecSymmetricDefault,
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
	})
	if err != nil {
		return fmt.Errorf("creating key: %w", err)
	}
	if created.KeyMetadata == nil || created.KeyMetadata.KeyId == nil {
		return errors.New("creating key: response has no key id")
	}
	keyID := created.KeyMetadata.KeyId

	current, err := s.describe(ctx, alias)
	if err != nil {
		return err
	}

	if current != nil {
		_, err = s.client.UpdateAlias(ctx, &kms.UpdateAliasInput{
			AliasName:   aws.String(kmsAlias(alias)),
			TargetKeyId: keyID,
		})
	} else {
		_, err = s.client.CreateAlias(ctx, &kms.CreateAliasInput{
			AliasName:   aws.String(kmsAlias(alias)),
			TargetKeyId: keyID,
		})
	}
	if err != nil {
		return fmt.Errorf("binding alias %q: %w", alias, err)
	}

	log.Info().Str("alias", alias).Msg("generated key-encryption key")
	return nil
}

// AEAD returns a primitive bound to the key alias currently points at. The
// alias is resolved once, so a later repoint does not change the key used by
// an existing primitive.
func (s *KMSKeyStore) AEAD(ctx context.Context, alias string) (tink.AEADWithContext, error) {
	meta, err := s.describe(ctx, alias)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.Arn == nil {
		return nil, fmt.Errorf("no key with alias %q", alias)
	}

	primitive, err := awskms.NewAEADWithContext(ctx, aws.ToString(meta.Arn), awskms.WithKMS(s.client))
	if err != nil {
		return nil, fmt.Errorf("creating KMS AEAD: %w", err)
	}
	return primitive, nil
}
