package pdfdoc

import (
    "context"
    "fmt"
    "io"
    "net/http"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/aws/aws-sdk-go-v2/aws"
    awscfg "github.com/aws/aws-sdk-go-v2/config"
    "github.com/aws/aws-sdk-go-v2/credentials"
    "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
    "github.com/aws/aws-sdk-go-v2/service/s3"
    "github.com/rs/zerolog/log"
)

const tempPrefix = "pagereader-"

// S3Options carries optional static credentials; empty values fall back to
// the default AWS credential chain.
type S3Options struct {
    Region    string
    AccessKey string
    SecretKey string
}

// Fetch returns a local file path for the document referenced by ref and a
// cleanup func removing any temp copy. Supports:
// - file://path or plain filesystem paths
// - http(s):// URLs (downloads to temp)
// - s3://bucket/key (downloads to temp via AWS SDK v2)
func Fetch(ctx context.Context, ref string, s3opts S3Options) (string, func(), error) {
    noop := func() {}
    if i := strings.Index(ref, "#"); i >= 0 { ref = ref[:i] }
    switch {
    case strings.HasPrefix(ref, "file://"):
        return strings.TrimPrefix(ref, "file://"), noop, nil
    case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
        p, err := downloadHTTPToTemp(ctx, ref)
        if err != nil { return "", noop, err }
        return p, func() { _ = os.Remove(p) }, nil
    case strings.HasPrefix(ref, "s3://"):
        p, err := downloadS3ToTemp(ctx, ref, s3opts)
        if err != nil { return "", noop, err }
        return p, func() { _ = os.Remove(p) }, nil
    default:
        return ref, noop, nil
    }
}

func downloadHTTPToTemp(ctx context.Context, url string) (string, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil { return "", err }
    resp, err := http.DefaultClient.Do(req)
    if err != nil { return "", err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK { return "", fmt.Errorf("download %s: http %d", url, resp.StatusCode) }
    f, err := os.CreateTemp("", tempPrefix+"http-*.pdf")
    if err != nil { return "", err }
    defer f.Close()
    if _, err := io.Copy(f, resp.Body); err != nil {
        _ = os.Remove(f.Name())
        return "", fmt.Errorf("download %s: %w", url, err)
    }
    return f.Name(), nil
}

func parseS3URL(s3url string) (bucket, key string, err error) {
    path := strings.TrimPrefix(s3url, "s3://")
    slash := strings.Index(path, "/")
    if slash <= 0 || slash == len(path)-1 { return "", "", fmt.Errorf("invalid s3 url: %s", s3url) }
    return path[:slash], path[slash+1:], nil
}

func downloadS3ToTemp(ctx context.Context, s3url string, opts S3Options) (string, error) {
    bucket, key, err := parseS3URL(s3url)
    if err != nil { return "", err }

    var loaders []func(*awscfg.LoadOptions) error
    if opts.Region != "" { loaders = append(loaders, awscfg.WithRegion(opts.Region)) }
    if opts.AccessKey != "" && opts.SecretKey != "" {
        loaders = append(loaders, awscfg.WithCredentialsProvider(
            credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
    }
    cfg, err := awscfg.LoadDefaultConfig(ctx, loaders...)
    if err != nil { return "", fmt.Errorf("load aws config: %w", err) }
    dl := manager.NewDownloader(s3.NewFromConfig(cfg))

    f, err := os.CreateTemp("", tempPrefix+"s3-*.pdf")
    if err != nil { return "", err }
    defer f.Close()
    n, err := dl.Download(ctx, f, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
    if err != nil {
        _ = os.Remove(f.Name())
        return "", fmt.Errorf("s3 download %s: %w", s3url, err)
    }
    log.Info().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Str("file", filepath.Base(f.Name())).Msg("downloaded s3 document to temp")
    return f.Name(), nil
}

// CleanupTemps removes downloaded documents older than maxAge left behind
// by earlier runs.
func CleanupTemps(maxAge time.Duration) int {
    dir := os.TempDir()
    entries, err := os.ReadDir(dir)
    if err != nil { return 0 }
    now := time.Now()
    removed := 0
    for _, e := range entries {
        if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) { continue }
        info, err := e.Info()
        if err != nil { continue }
        if now.Sub(info.ModTime()) >= maxAge {
            if os.Remove(filepath.Join(dir, e.Name())) == nil { removed++ }
        }
    }
    return removed
}
