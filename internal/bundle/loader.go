package bundle

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

// S3API is the subset of the s3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the subset of the ssm client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter holding the sha256 of the current bundle
	SSMParam string

	// Bundles live at s3://{bucket}/{prefix}/{hash}.tar.gz
	S3Bucket string
	S3Prefix string

	Limits Limits

	// AWS config (uses default chain if nil). Ignored for clients set below.
	AWSConfig *aws.Config
	S3Client  S3API
	SSMClient SSMAPI
}

type Loader struct {
	opts   LoaderOptions
	s3     S3API
	ssm    SSMAPI
	logger log.Logger
}

func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.Limits = opts.Limits.withDefaults()
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")

	l := &Loader{opts: opts, s3: opts.S3Client, ssm: opts.SSMClient, logger: opts.Logger}
	if l.s3 != nil && l.ssm != nil {
		return l, nil
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		if awsCfg, err = config.LoadDefaultConfig(ctx); err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	if l.s3 == nil {
		l.s3 = s3.NewFromConfig(awsCfg)
	}
	if l.ssm == nil {
		l.ssm = ssm.NewFromConfig(awsCfg)
	}
	return l, nil
}

// CurrentHash returns the bundle hash published in SSM.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) s3Key(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.tar.gz", l.opts.S3Prefix, hash)
	}
	return hash + ".tar.gz"
}

// Load downloads the bundle for hash, verifies its sha256 and expands it
// into memory.
func (l *Loader) Load(ctx context.Context, hash string) (fs.FS, error) {
	key := l.s3Key(hash)
	l.logger.Info(ctx, "downloading bundle",
		"bucket", l.opts.S3Bucket,
		"key", key,
	)

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, actual, err := readWithHash(out.Body, l.opts.Limits.MaxBundle)
	if err != nil {
		return nil, xerrors.Wrap(err, "download bundle")
	}
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	fsys, err := extractTarGz(data, l.opts.Limits)
	if err != nil {
		return nil, xerrors.Wrap(err, "extract bundle")
	}

	l.logger.Info(ctx, "bundle loaded",
		"hash", truncHash(hash),
		"bytes", len(data),
		"files", len(fsys),
	)
	return fsys, nil
}
