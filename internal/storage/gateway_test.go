package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/pkg/errors"
	"github.com/mediaops/mediaops/pkg/retry"
)

// fakeS3 injects scripted errors per operation before succeeding.
type fakeS3 struct {
	putErrs  []error
	putCalls int
	headErr  error
	delErr   error
	objects  map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putCalls++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var buf []byte
	if params.Body != nil {
		buf, _ = io.ReadAll(params.Body)
	}
	f.objects[aws.ToString(params.Key)] = buf
	return &s3.PutObjectOutput{ETag: aws.String(`"abc123"`)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{
		Body:          readCloser(data),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("image/jpeg"),
		ETag:          aws.String(`"abc123"`),
		LastModified:  aws.Time(time.Now()),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.delErr != nil {
		return nil, f.delErr
	}
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func readCloser(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		Bucket:              "media-assets",
		Region:              "us-east-1",
		MaxFileSize:         100 * 1024 * 1024,
		MaxFilesPerRequest:  10,
		OptimizationEnabled: false,
		MaxRetries:          3,
		RequestTimeout:      5 * time.Second,
	}
}

func newTestGateway(api S3API, mutate ...func(*config.StorageConfig)) *Gateway {
	cfg := testStorageConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	gw := NewGateway(api, cfg, "cdn.example.com", nil)
	// Tests must not sleep through real backoff.
	gw.retryer = retry.New(retry.Config{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	})
	return gw
}

func TestBuildCDNURLEncodesSegments(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"uploads/test/a b.jpg", "https://cdn.example.com/uploads/test/a%20b.jpg"},
		{"music/rock & roll.mp3", "https://cdn.example.com/music/rock%20%26%20roll.mp3"},
		{"a+b/c=d.png", "https://cdn.example.com/a%2Bb/c%3Dd.png"},
	}
	for _, tc := range cases {
		got, err := BuildCDNURL("cdn.example.com", tc.key)
		require.NoError(t, err, tc.key)
		assert.Equal(t, tc.want, got)
	}
}

func TestBuildCDNURLRoundTrips(t *testing.T) {
	keys := []string{
		"uploads/test/a b.jpg",
		"albums/Motörhead/Ace of Spades.mp3",
		"völlig/unmöglich näme.png",
		"q?='#&+/x.txt",
	}
	for _, key := range keys {
		raw, err := BuildCDNURL("cdn.example.com", key)
		require.NoError(t, err, key)

		parsed, err := url.Parse(raw)
		require.NoError(t, err, key)
		assert.Equal(t, "https", parsed.Scheme)
		assert.Equal(t, "cdn.example.com", parsed.Host)

		// The decoded path must equal the original key.
		decoded := make([]string, 0)
		for _, seg := range strings.Split(strings.TrimPrefix(parsed.EscapedPath(), "/"), "/") {
			d, err := url.PathUnescape(seg)
			require.NoError(t, err, key)
			decoded = append(decoded, d)
		}
		assert.Equal(t, key, strings.Join(decoded, "/"))
	}
}

func TestBuildCDNURLEmptyKey(t *testing.T) {
	_, err := BuildCDNURL("cdn.example.com", "")
	require.Error(t, err)
	var classified *errors.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeInvalidArgument, classified.Code)
}

func TestUploadSuccessBuildsObject(t *testing.T) {
	gw := newTestGateway(newFakeS3())

	obj, err := gw.Upload(context.Background(), make([]byte, 50), "uploads/test/a b.jpg",
		UploadMetadata{ContentType: "image/jpeg"})
	require.NoError(t, err)

	assert.Equal(t, "uploads/test/a b.jpg", obj.Key)
	assert.Contains(t, obj.CDNURL, "a%20b.jpg")
	assert.Equal(t, int64(50), obj.Size)
	assert.False(t, obj.WasOptimized)
	assert.Equal(t, 1, obj.Attempts)
}

func TestUploadRetryableThenSuccess(t *testing.T) {
	api := newFakeS3()
	api.putErrs = []error{&smithy.GenericAPIError{Code: "SlowDown", Message: "throttled"}}
	gw := newTestGateway(api)
	gw.retryer = gw.retryer.WithMaxAttempts(3)

	obj, err := gw.Upload(context.Background(), []byte("data"), "uploads/x.png",
		UploadMetadata{ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, 2, obj.Attempts)
	assert.Equal(t, 2, api.putCalls)
}

func TestUploadNonRetryableFailsAfterOneAttempt(t *testing.T) {
	api := newFakeS3()
	api.putErrs = []error{
		&smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
	}
	gw := newTestGateway(api)

	_, err := gw.Upload(context.Background(), []byte("data"), "uploads/x.png",
		UploadMetadata{ContentType: "image/png"})
	require.Error(t, err)
	assert.Equal(t, 1, api.putCalls)

	var classified *errors.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeAccessDenied, classified.Code)
	assert.Contains(t, classified.Recommendation(), "IAM")
	assert.Equal(t, "media-assets", classified.Context["bucket"])
}

func TestUploadValidations(t *testing.T) {
	gw := newTestGateway(newFakeS3(), func(c *config.StorageConfig) {
		c.MaxFileSize = 10
	})

	_, err := gw.Upload(context.Background(), []byte("12345678901"), "uploads/big.png",
		UploadMetadata{ContentType: "image/png"})
	var classified *errors.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeFileTooLarge, classified.Code)
	assert.Equal(t, 413, classified.HTTPStatus)

	_, err = gw.Upload(context.Background(), nil, "uploads/x.png",
		UploadMetadata{ContentType: "image/png"})
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeMissingFile, classified.Code)

	_, err = gw.Upload(context.Background(), []byte("x"), "",
		UploadMetadata{ContentType: "image/png"})
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeInvalidArgument, classified.Code)

	_, err = gw.Upload(context.Background(), []byte("x"), "uploads/x.bin",
		UploadMetadata{ContentType: "application/x-executable"})
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeUnsupportedType, classified.Code)
}

func TestFileExists(t *testing.T) {
	api := newFakeS3()
	api.objects["present.jpg"] = []byte("x")
	gw := newTestGateway(api)

	exists, err := gw.FileExists(context.Background(), "present.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = gw.FileExists(context.Background(), "absent.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetFileInfo(t *testing.T) {
	api := newFakeS3()
	api.objects["uploads/a.jpg"] = []byte("abcdef")
	gw := newTestGateway(api)

	info, err := gw.GetFileInfo(context.Background(), "uploads/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size)
	assert.Equal(t, "image/jpeg", info.ContentType)
}

func TestRestoreLastKnownGood(t *testing.T) {
	api := newFakeS3()
	gw := newTestGateway(api)
	ctx := context.Background()

	require.NoError(t, gw.PublishLiveConfig(ctx, []byte(`{"v":1}`)))
	require.NoError(t, gw.PublishLiveConfig(ctx, []byte(`{"v":2}`)))

	// live=v2, lkg=v1; restore copies v1 back over live.
	require.NoError(t, gw.RestoreLastKnownGood(ctx))
	live, err := gw.Download(ctx, LiveConfigKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(live))
}

func TestRestoreWithoutSnapshotFails(t *testing.T) {
	gw := newTestGateway(newFakeS3())
	err := gw.RestoreLastKnownGood(context.Background())
	var classified *errors.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errors.ErrCodeRollbackValidation, classified.Code)
}

func TestOptimizerFallsBackOnIncompressible(t *testing.T) {
	opt := NewOptimizer()

	// High-entropy data does not shrink; optimizer must fall back.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte((i * 7919) % 251)
	}
	out, ok := opt.Optimize(data, "image/jpeg")
	if ok {
		assert.Less(t, len(out), len(data))
	} else {
		assert.Equal(t, data, out)
	}

	// Repetitive data compresses.
	flat := strings.Repeat("media", 4096)
	out, ok = opt.Optimize([]byte(flat), "audio/wav")
	assert.True(t, ok)
	assert.Less(t, len(out), len(flat))

	// Ineligible content types are untouched.
	_, ok = opt.Optimize([]byte(flat), "video/mp4")
	assert.False(t, ok)
}

func TestUploadOptimizationBestEffort(t *testing.T) {
	api := newFakeS3()
	gw := newTestGateway(api, func(c *config.StorageConfig) {
		c.OptimizationEnabled = true
	})

	compressible := []byte(strings.Repeat("tone", 1024))
	obj, err := gw.Upload(context.Background(), compressible, "audio/sample.wav",
		UploadMetadata{ContentType: "audio/wav"})
	require.NoError(t, err)
	assert.True(t, obj.WasOptimized)
	assert.Less(t, obj.Size, int64(len(compressible)))
}

func TestBuildKeyConvention(t *testing.T) {
	key := BuildKey("albums", "My Song (live).mp3")
	parts := strings.SplitN(key, "/", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "albums", parts[0])
	assert.Contains(t, parts[1], "_")
	assert.True(t, strings.HasSuffix(key, ".mp3"))
	assert.NotContains(t, parts[1], " ")
	assert.NotContains(t, parts[1], "(")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a-b.jpg", SanitizeFilename("a b.jpg"))
	assert.Equal(t, "evil.sh", SanitizeFilename("../../evil.sh"))
	assert.Equal(t, "file", SanitizeFilename("???"))
}

func TestBreakerOpensAfterSustainedTransientFailures(t *testing.T) {
	api := newFakeS3()
	for i := 0; i < 6; i++ {
		api.putErrs = append(api.putErrs,
			&smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "down"})
	}
	gw := newTestGateway(api)

	_, err := gw.Upload(context.Background(), []byte("data"), "uploads/x.png",
		UploadMetadata{ContentType: "image/png"})
	require.Error(t, err)
	assert.Equal(t, "closed", gw.BreakerState())

	_, err = gw.Upload(context.Background(), []byte("data"), "uploads/x.png",
		UploadMetadata{ContentType: "image/png"})
	require.Error(t, err)
	assert.Equal(t, "open", gw.BreakerState())
	calls := api.putCalls

	// While open, requests fail fast without reaching the provider.
	_, err = gw.Upload(context.Background(), []byte("data"), "uploads/x.png",
		UploadMetadata{ContentType: "image/png"})
	require.Error(t, err)
	assert.Equal(t, calls, api.putCalls)
}
