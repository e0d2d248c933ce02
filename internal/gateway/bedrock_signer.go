package gateway

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog/log"

	"github.com/stegollm/stego-gateway/internal/config"
)

const (
	bedrockRuntimeService = "bedrock"
	bedrockHostPattern    = "bedrock-runtime.%s.amazonaws.com"
)

// BedrockSigner re-signs Bedrock Runtime requests with AWS SigV4. A
// rewritten body invalidates the client's signature, so the gateway signs
// with its own credentials: the static keys from proxy.bedrock when set,
// otherwise the default AWS credential chain.
type BedrockSigner struct {
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	configured  bool
}

// NewBedrockSigner builds a signer. It is never nil; IsConfigured reports
// whether credentials were found.
func NewBedrockSigner(ctx context.Context, cfg config.BedrockConfig) *BedrockSigner {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	bs := &BedrockSigner{
		region: region,
		signer: v4.NewSigner(),
	}

	var provider aws.CredentialsProvider
	if cfg.AccessKeyID != "" {
		provider = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			log.Warn().Err(err).Msg("failed to load AWS config for Bedrock signer")
			return bs
		}
		provider = awsCfg.Credentials
	}

	creds, err := provider.Retrieve(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("no AWS credentials available for Bedrock signer")
		return bs
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		log.Debug().Msg("AWS credentials are empty, Bedrock signer not configured")
		return bs
	}

	bs.credentials = aws.NewCredentialsCache(provider)
	bs.configured = true

	log.Info().
		Str("region", region).
		Str("access_key_prefix", creds.AccessKeyID[:min(4, len(creds.AccessKeyID))]+"...").
		Msg("bedrock_signer_initialized")

	return bs
}

// IsConfigured returns true if AWS credentials are available for signing.
func (bs *BedrockSigner) IsConfigured() bool {
	return bs != nil && bs.configured
}

// Region returns the configured AWS region.
func (bs *BedrockSigner) Region() string {
	return bs.region
}

// Host returns the Bedrock Runtime host for the region.
func (bs *BedrockSigner) Host() string {
	return fmt.Sprintf(bedrockHostPattern, bs.region)
}

// SignRequest signs req for the bedrock-runtime service. The URL must
// already point at the Bedrock endpoint and body must be the exact bytes
// that will be sent.
func (bs *BedrockSigner) SignRequest(ctx context.Context, req *http.Request, body []byte) error {
	if !bs.IsConfigured() {
		return fmt.Errorf("bedrock signer not configured: no AWS credentials available")
	}

	creds, err := bs.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	// Drop any client signature before computing ours.
	req.Header.Del("Authorization")
	req.Header.Del("X-Amz-Date")
	req.Header.Del("X-Amz-Security-Token")
	req.Header.Del("X-Amz-Content-Sha256")

	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := bs.signer.SignHTTP(ctx, creds, req, payloadHash, bedrockRuntimeService, bs.region, time.Now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// BuildTargetURL maps a request path onto the regional endpoint.
//
//	/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke
//	→ https://bedrock-runtime.us-east-1.amazonaws.com/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke
func (bs *BedrockSigner) BuildTargetURL(path string) string {
	return fmt.Sprintf("https://%s%s", bs.Host(), path)
}
