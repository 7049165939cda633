package remote

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Object metadata keys read by S3Source (x-amz-meta-*).
const (
	MetaSignature      = "signature"
	MetaEncryptionType = "encryption-type"
)

// maxObjectBytes bounds a single stored blob.
const maxObjectBytes = 16 << 20

// s3API is the subset of the S3 client we use. Extracted for tests.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

type S3Options struct {
	Logger log.Logger

	// Bucket is used when a request leaves it empty.
	Bucket string

	// Prefix is prepended to every key and folder.
	Prefix string

	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	Metrics Metrics
}

// S3Source reads encrypted blobs directly from a bucket. Objects hold the raw
// blob bytes; the version hash is the SHA-256 of the object.
type S3Source struct {
	client  s3API
	bucket  string
	prefix  string
	logger  log.Logger
	metrics Metrics
}

func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	return newS3Source(s3.NewFromConfig(awsCfg), opts), nil
}

func newS3Source(client s3API, opts S3Options) *S3Source {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &S3Source{
		client:  client,
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (s *S3Source) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Fetch downloads one object. When its hash equals CurrentVersion the
// response is Unchanged and carries no payload.
func (s *S3Source) Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := pathutil.ValidKey(req.Key); err != nil {
		return nil, xerrors.Wrap(err, "fetch")
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = s.bucket
	}
	key := s.objectKey(req.Key)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.count(ResultError)
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, xerrors.Wrapf(err, "S3 object s3://%s/%s not found", bucket, key)
		}
		return nil, xerrors.Mark(xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key), xerrors.ErrTransient)
	}
	defer out.Body.Close()

	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(out.Body, maxObjectBytes+1), h))
	if err != nil {
		s.count(ResultError)
		return nil, xerrors.Mark(xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key), xerrors.ErrTransient)
	}
	if len(data) > maxObjectBytes {
		s.count(ResultError)
		return nil, xerrors.Markf(xerrors.ErrFormat, "S3 object s3://%s/%s exceeds %d bytes", bucket, key, maxObjectBytes)
	}
	version := hex.EncodeToString(h.Sum(nil))

	if req.CurrentVersion != "" && cryptoutil.HashEqual(version, req.CurrentVersion) {
		s.count(ResultUnchanged)
		return &Response{Status: StatusSuccess, VersionHash: version, Unchanged: true}, nil
	}

	s.logger.Debug(ctx, "fetched S3 object",
		"bucket", bucket,
		"key", key,
		"bytes", len(data),
		"version", cryptoutil.ShortHash(version),
	)
	s.count(ResultOK)
	return &Response{
		Status:         StatusSuccess,
		EncryptedData:  base64.StdEncoding.EncodeToString(data),
		Signature:      out.Metadata[MetaSignature],
		EncryptionType: out.Metadata[MetaEncryptionType],
		VersionHash:    version,
	}, nil
}

// List returns extension keys under folder relative to the source prefix.
func (s *S3Source) List(ctx context.Context, folder string) ([]string, error) {
	if err := pathutil.ValidFolder(folder); err != nil {
		return nil, xerrors.Wrap(err, "list")
	}
	prefix := s.objectKey(strings.TrimSuffix(folder, "/") + "/")

	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrapf(err, "list s3://%s/%s", s.bucket, prefix), xerrors.ErrTransient)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if s.prefix != "" {
				k = strings.TrimPrefix(k, s.prefix+"/")
			}
			if isModule(k) {
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *S3Source) count(result string) {
	if s.metrics != nil {
		s.metrics.IncRemoteRequest("s3_get", result)
	}
}
