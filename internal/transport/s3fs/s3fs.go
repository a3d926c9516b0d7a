// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package s3fs is a transport over an S3-compatible object store.
// Directories are "/"-delimited key prefixes, materialised by an empty
// marker object whose key ends in "/".
package s3fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "s3"

const (
	DefaultRegion = "us-east-1"
	DefaultURLTTL = 15 * time.Minute
	dirMime       = "application/x-directory"
	deleteBatch   = 1000
)

// Options are the mount options of an S3 transport.
type Options struct {
	Bucket string `yaml:"bucket"`
	// Prefix scopes the mount to a key prefix inside the bucket.
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	PathStyle bool          `yaml:"path_style"`
	URLTTL    time.Duration `yaml:"url_ttl"`
}

// API is the part of the S3 client the transport calls.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Presigner signs download URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// FS is the S3 transport.
type FS struct {
	api     API
	presign Presigner
	bucket  string
	prefix  string
	urlTTL  time.Duration
	mimes   common.MimeMap
	log     *log.Entry
}

var (
	_ transport.Transport = (*FS)(nil)
	_ transport.Mounter   = (*FS)(nil)
)

// Factory builds an S3 transport from mount options, loading credentials
// from the options or the default AWS chain.
func Factory(ctx context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return New(env, opts, client, s3.NewPresignClient(client))
}

// New creates an S3 transport over api. presign may be nil, in which case
// URL returns "".
func New(env transport.Env, opts Options, api API, presign Presigner) (*FS, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 transport needs a bucket", common.ErrInvalidArgument)
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	if opts.URLTTL == 0 {
		opts.URLTTL = DefaultURLTTL
	}
	return &FS{
		api:     api,
		presign: presign,
		bucket:  opts.Bucket,
		prefix:  prefix,
		urlTTL:  opts.URLTTL,
		mimes:   env.Mimes,
		log:     env.Logger(),
	}, nil
}

// Mount checks that the bucket is reachable.
func (fs *FS) Mount(ctx context.Context) error {
	if _, err := fs.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(fs.bucket)}); err != nil {
		return mapErr("mount", "s3://"+fs.bucket, err)
	}
	fs.log.WithFields(log.Fields{"bucket": fs.bucket, "prefix": fs.prefix}).Debug("s3fs: bucket reachable")
	return nil
}

func (fs *FS) Unmount(context.Context) error { return nil }

// key is the object key of a file path.
func (fs *FS) key(p string) string {
	return fs.prefix + strings.Join(common.SplitPath(p), "/")
}

// dirKey is the key prefix of a directory, ending in "/" except for the
// bucket root of an unprefixed mount.
func (fs *FS) dirKey(p string) string {
	k := fs.key(p)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return common.Wrap(op, p, common.ErrNotFound, err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return common.Wrap(op, p, common.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return common.Wrap(op, p, common.ErrPermissionDenied, err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return common.Wrap(op, p, common.ErrNetwork, err)
		}
		return common.Wrap(op, p, common.ErrInternal, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return transport.NetError(op, p, err)
	}
	return common.Wrap(op, p, nil, err)
}

// list calls fn for every page below prefix.
func (fs *FS) list(ctx context.Context, prefix, delimiter string, fn func(*s3.ListObjectsV2Output) bool) error {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(fs.bucket), Prefix: aws.String(prefix)}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}
	for {
		out, err := fs.api.ListObjectsV2(ctx, in)
		if err != nil {
			return err
		}
		if !fn(out) || !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// keysUnder returns every key under the directory prefix, marker included.
func (fs *FS) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := fs.list(ctx, prefix, "", func(out *s3.ListObjectsV2Output) bool {
		for _, o := range out.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
		return true
	})
	return keys, err
}

func (fs *FS) dirExists(ctx context.Context, p string) (bool, error) {
	if common.IsRoot(p) {
		return true, nil
	}
	in := &s3.ListObjectsV2Input{Bucket: aws.String(fs.bucket), Prefix: aws.String(fs.dirKey(p)), MaxKeys: aws.Int32(1)}
	out, err := fs.api.ListObjectsV2(ctx, in)
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (fs *FS) fileExists(ctx context.Context, p string) (bool, error) {
	_, err := fs.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(fs.bucket), Key: aws.String(fs.key(p))})
	if err == nil {
		return true, nil
	}
	if errors.Is(mapErr("exists", p, err), common.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (fs *FS) Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error) {
	prefix := fs.dirKey(dir.Path)
	var out []common.FileRef
	seen := false
	err := fs.list(ctx, prefix, "/", func(page *s3.ListObjectsV2Output) bool {
		for _, cp := range page.CommonPrefixes {
			seen = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if p, err := common.Join(dir.Path, name); err == nil && name != "" {
				out = append(out, common.FileRef{Path: p, Filename: name, Type: common.TypeDir})
			}
		}
		for _, o := range page.Contents {
			seen = true
			key := aws.ToString(o.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			p, err := common.Join(dir.Path, name)
			if err != nil {
				continue
			}
			out = append(out, common.FileRef{
				Path:     p,
				Filename: name,
				Type:     common.TypeFile,
				Mime:     fs.mimes.Lookup(name),
				Size:     aws.ToInt64(o.Size),
				Mtime:    aws.ToTime(o.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, mapErr("scandir", dir.Path, err)
	}
	if !seen && !common.IsRoot(dir.Path) {
		return nil, common.Wrap("scandir", dir.Path, common.ErrNotFound, nil)
	}
	return out, nil
}

func (fs *FS) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	out, err := fs.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(fs.bucket), Key: aws.String(fs.key(file.Path))})
	if err != nil {
		return nil, mapErr("read", file.Path, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, transport.NetError("read", file.Path, err)
	}
	return b, nil
}

func (fs *FS) Write(ctx context.Context, file common.FileRef, data []byte) error {
	return fs.put(ctx, "write", file, data, file.Mime)
}

func (fs *FS) put(ctx context.Context, op string, file common.FileRef, data []byte, mime string) error {
	if common.IsRoot(file.Path) {
		return common.Wrap(op, file.Path, common.ErrIsDir, nil)
	}
	if mime == "" {
		mime = fs.mimes.Lookup(file.Path)
	}
	start := time.Now()
	_, err := fs.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(fs.bucket),
		Key:           aws.String(fs.key(file.Path)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mime),
	})
	if err != nil {
		return mapErr(op, file.Path, err)
	}
	fs.log.WithFields(log.Fields{"key": fs.key(file.Path), "size": len(data), "took": time.Since(start)}).Trace("s3fs: put object")
	return nil
}

// Unlink deletes a file, or every object below a directory.
func (fs *FS) Unlink(ctx context.Context, ref common.FileRef) error {
	if ref.Type != common.TypeDir {
		ok, err := fs.fileExists(ctx, ref.Path)
		if err != nil {
			return mapErr("unlink", ref.Path, err)
		}
		if ok {
			_, err := fs.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(fs.bucket), Key: aws.String(fs.key(ref.Path))})
			return mapErr("unlink", ref.Path, err)
		}
	}
	if common.IsRoot(ref.Path) {
		return common.Errorf(common.ErrPermissionDenied, "unlink", ref.Path, "refusing to empty the bucket")
	}
	keys, err := fs.keysUnder(ctx, fs.dirKey(ref.Path))
	if err != nil {
		return mapErr("unlink", ref.Path, err)
	}
	if len(keys) == 0 {
		return transport.NotFound("unlink", ref)
	}
	return mapErr("unlink", ref.Path, fs.deleteKeys(ctx, keys))
}

func (fs *FS) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		ids := make([]types.ObjectIdentifier, 0, n)
		for _, k := range keys[:n] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := fs.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(fs.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
		keys = keys[n:]
	}
	return nil
}

func (fs *FS) Mkdir(ctx context.Context, dir common.FileRef) error {
	ok, err := fs.dirExists(ctx, dir.Path)
	if err != nil {
		return mapErr("mkdir", dir.Path, err)
	}
	if ok {
		return transport.Exists("mkdir", dir)
	}
	_, err = fs.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(fs.bucket),
		Key:           aws.String(fs.dirKey(dir.Path)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(dirMime),
	})
	return mapErr("mkdir", dir.Path, err)
}

func (fs *FS) Exists(ctx context.Context, ref common.FileRef) (bool, error) {
	if ref.Type != common.TypeDir {
		ok, err := fs.fileExists(ctx, ref.Path)
		if err != nil || ok {
			return ok, mapErr("exists", ref.Path, err)
		}
	}
	ok, err := fs.dirExists(ctx, ref.Path)
	return ok, mapErr("exists", ref.Path, err)
}

func (fs *FS) Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error) {
	info := map[string]any{
		"path":     ref.Path,
		"filename": common.Basename(ref.Path),
		"bucket":   fs.bucket,
	}
	out, err := fs.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(fs.bucket), Key: aws.String(fs.key(ref.Path))})
	if err != nil {
		if ok, derr := fs.dirExists(ctx, ref.Path); derr == nil && ok {
			info["type"] = string(common.TypeDir)
			info["key"] = fs.dirKey(ref.Path)
			return info, nil
		}
		return nil, mapErr("fileinfo", ref.Path, err)
	}
	info["type"] = string(common.TypeFile)
	info["key"] = fs.key(ref.Path)
	info["size"] = aws.ToInt64(out.ContentLength)
	info["mime"] = aws.ToString(out.ContentType)
	if out.LastModified != nil {
		info["mtime"] = *out.LastModified
	}
	if out.ETag != nil {
		info["etag"] = strings.Trim(*out.ETag, `"`)
	}
	return info, nil
}

// URL presigns a GET for the object.
func (fs *FS) URL(ctx context.Context, file common.FileRef) (string, error) {
	if fs.presign == nil {
		return "", nil
	}
	req, err := fs.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(file.Path)),
	}, s3.WithPresignExpires(fs.urlTTL))
	if err != nil {
		return "", mapErr("url", file.Path, err)
	}
	return req.URL, nil
}

func (fs *FS) copyKey(ctx context.Context, from, to string) error {
	start := time.Now()
	_, err := fs.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(fs.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(fs.bucket + "/" + strings.ReplaceAll(url.PathEscape(from), "%2F", "/")),
	})
	fs.log.WithFields(log.Fields{"src": from, "dst": to, "took": time.Since(start)}).Trace("s3fs: copy object")
	return err
}

// Copy copies a file natively, or every object below a directory.
func (fs *FS) Copy(ctx context.Context, src, dst common.FileRef) error {
	if src.Type != common.TypeDir {
		return mapErr("copy", src.Path, fs.copyKey(ctx, fs.key(src.Path), fs.key(dst.Path)))
	}
	from, to := fs.dirKey(src.Path), fs.dirKey(dst.Path)
	keys, err := fs.keysUnder(ctx, from)
	if err != nil {
		return mapErr("copy", src.Path, err)
	}
	if len(keys) == 0 {
		return transport.NotFound("copy", src)
	}
	for _, k := range keys {
		if err := fs.copyKey(ctx, k, to+strings.TrimPrefix(k, from)); err != nil {
			return mapErr("copy", dst.Path, err)
		}
	}
	return nil
}

// Move is copy then delete; objects cannot be renamed.
func (fs *FS) Move(ctx context.Context, src, dst common.FileRef) error {
	if err := fs.Copy(ctx, src, dst); err != nil {
		return err
	}
	if src.Type != common.TypeDir {
		_, err := fs.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(fs.bucket), Key: aws.String(fs.key(src.Path))})
		return mapErr("move", src.Path, err)
	}
	keys, err := fs.keysUnder(ctx, fs.dirKey(src.Path))
	if err != nil {
		return mapErr("move", src.Path, err)
	}
	return mapErr("move", src.Path, fs.deleteKeys(ctx, keys))
}

func (fs *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	mime := file.Mime
	if mime == "" {
		mime = blob.Mime
	}
	if mime == "" {
		mime = fs.mimes.Lookup(file.Path)
	}
	if err := fs.put(ctx, "upload", file, blob.Bytes(), mime); err != nil {
		return common.FileRef{}, err
	}
	return common.FileRef{
		Path:     file.Path,
		Filename: common.Basename(file.Path),
		Type:     common.TypeFile,
		Mime:     mime,
		Size:     blob.Size(),
	}, nil
}
