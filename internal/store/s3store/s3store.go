// Package s3store serves a Cypress-style tree out of an S3 bucket.
//
// Key prefixes are directories, objects are files, and objects whose name ends
// in TableSuffix are tables holding one JSON row per line. The suffix is not
// part of the node name.
package s3store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

const backendName = "s3"

// TableSuffix marks objects exposed as tables.
const TableSuffix = ".table.jsonl"

// maxIndexedTables bounds the number of row indexes kept in memory.
const maxIndexedTables = 1024

// errStaleIndex means the table object changed since its rows were indexed.
var errStaleIndex = errors.New("table object changed")

// Config holds the bucket location and credentials.
type Config struct {
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	Region       string `mapstructure:"region" yaml:"region"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// API is the subset of the S3 client used by Store.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store implements store.Store on top of an S3 bucket.
//
// The first read of a table scans the whole object once and records where
// every row starts. Later reads of the same object version fetch only the
// byte range of the requested rows.
type Store struct {
	client API
	bucket string
	prefix string
	log    *zap.Logger

	mu      sync.Mutex
	indexes map[string]*rowIndex
}

// rowIndex holds the row offsets of one version of a table object.
type rowIndex struct {
	etag    string
	offsets []int64 // offsets[i] is where row i starts; the last element is the object size
}

func (ix *rowIndex) rows() int64 { return int64(len(ix.offsets) - 1) }

var _ store.Store = (*Store)(nil)

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient returns a store over an existing client.
func NewWithClient(client API, bucket, prefix string) *Store {
	return &Store{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		log:     logging.Named("s3store"),
		indexes: make(map[string]*rowIndex),
	}
}

// GetAttributes implements store.Store.
func (s *Store) GetAttributes(ctx context.Context, path string, attrs []string) (store.Attributes, error) {
	if path == store.Root {
		return filter(dirAttributes(time.Time{}), attrs), nil
	}
	key := s.key(path)

	head, err := s.head(ctx, key)
	if err == nil {
		return filter(objectAttributes("file", head.ContentLength, head.LastModified, head.ETag, head.Metadata), attrs), nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	head, err = s.head(ctx, key+TableSuffix)
	if err == nil {
		return filter(objectAttributes("table", head.ContentLength, head.LastModified, head.ETag, head.Metadata), attrs), nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("head %s: %w", key+TableSuffix, err)
	}

	isDir, err := s.hasChildren(ctx, key)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return nil, store.NotFound(path)
	}
	return filter(dirAttributes(time.Time{}), attrs), nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, path string, attrs []string) ([]store.Child, error) {
	prefix := s.dirPrefix(path)
	start := time.Now()

	var children []store.Child
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStoreOperation(backendName, "list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			children = append(children, store.Child{Name: name, Attributes: filter(dirAttributes(time.Time{}), attrs)})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			typ := "file"
			if n, ok := strings.CutSuffix(name, TableSuffix); ok && n != "" {
				name, typ = n, "table"
			}
			children = append(children, store.Child{
				Name:       name,
				Attributes: filter(objectAttributes(typ, obj.Size, obj.LastModified, obj.ETag, nil), attrs),
			})
		}
	}
	metrics.RecordStoreOperation(backendName, "list_objects", time.Since(start), true)

	if len(children) == 0 && path != store.Root {
		if _, err := s.GetAttributes(ctx, path, []string{store.AttrType}); err != nil {
			return nil, err
		}
	}
	return children, nil
}

// ReadFile implements store.Store.
func (s *Store) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	key := s.key(path)
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	out, err := s.get(ctx, key, rng, "")
	if isInvalidRange(err) {
		return []byte{}, nil
	}
	if isNotFound(err) {
		return nil, store.NotFound(path)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// ReadTable implements store.Store. Only the json format is supported.
func (s *Store) ReadTable(ctx context.Context, path string, rows store.RowRange, format string) ([]byte, error) {
	if format != "json" {
		return nil, &store.Error{Code: 1, Message: "unsupported format " + format, Path: path}
	}
	key := s.key(path) + TableSuffix

	if ix := s.index(key); ix != nil {
		out, err := s.readIndexed(ctx, key, ix, rows)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, errStaleIndex):
			s.log.Debug("table changed, rescanning", zap.String("key", key))
			s.dropIndex(key)
		case isNotFound(err):
			s.dropIndex(key)
			return nil, store.NotFound(path)
		default:
			return nil, fmt.Errorf("read %s: %w", store.WithRowRange(path, rows), err)
		}
	}

	obj, err := s.get(ctx, key, "", "")
	if isNotFound(err) {
		return nil, store.NotFound(path)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Body.Close()

	out, offsets, err := scanRows(obj.Body, rows)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", store.WithRowRange(path, rows), err)
	}
	if etag := strings.Trim(aws.ToString(obj.ETag), `"`); etag != "" {
		s.storeIndex(key, &rowIndex{etag: etag, offsets: offsets})
	}
	return out, nil
}

// readIndexed serves rows from the byte range the index points at. It
// returns errStaleIndex when the object no longer matches the index.
func (s *Store) readIndexed(ctx context.Context, key string, ix *rowIndex, rows store.RowRange) ([]byte, error) {
	lo := min(max(rows.Lower, 0), ix.rows())
	hi := min(max(rows.Upper, lo), ix.rows())

	if lo == hi {
		// Nothing to fetch, but rows may have been appended since.
		head, err := s.head(ctx, key)
		if err != nil {
			return nil, err
		}
		if strings.Trim(aws.ToString(head.ETag), `"`) != ix.etag {
			return nil, errStaleIndex
		}
		return []byte{}, nil
	}

	rng := fmt.Sprintf("bytes=%d-%d", ix.offsets[lo], ix.offsets[hi]-1)
	obj, err := s.get(ctx, key, rng, ix.etag)
	if isPreconditionFailed(err) {
		return nil, errStaleIndex
	}
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, err
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}

func (s *Store) index(key string) *rowIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes[key]
}

func (s *Store) storeIndex(key string, ix *rowIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[key]; !ok && len(s.indexes) >= maxIndexedTables {
		for k := range s.indexes {
			delete(s.indexes, k)
			break
		}
	}
	s.indexes[key] = ix
}

func (s *Store) dropIndex(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, key)
}

func (s *Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordStoreOperation(backendName, "head_object", time.Since(start), err == nil || isNotFound(err))
	return out, err
}

// get fetches key. rng and ifMatch are optional.
func (s *Store) get(ctx context.Context, key, rng, ifMatch string) (*s3.GetObjectOutput, error) {
	start := time.Now()
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rng != "" {
		input.Range = aws.String(rng)
	}
	if ifMatch != "" {
		input.IfMatch = aws.String(`"` + ifMatch + `"`)
	}

	out, err := s.client.GetObject(ctx, input)
	metrics.RecordStoreOperation(backendName, "get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	s.log.Debug("get object", zap.String("key", key), zap.String("range", rng))
	return out, nil
}

func (s *Store) hasChildren(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	metrics.RecordStoreOperation(backendName, "list_objects", time.Since(start), err == nil)
	if err != nil {
		return false, fmt.Errorf("list %s/: %w", key, err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// key maps a remote path to an object key.
func (s *Store) key(path string) string {
	rel := strings.TrimPrefix(path, "//")
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

// dirPrefix returns the listing prefix of the directory at path.
func (s *Store) dirPrefix(path string) string {
	if path == store.Root {
		if s.prefix == "" {
			return ""
		}
		return s.prefix + "/"
	}
	return s.key(path) + "/"
}

// scanRows reads every line of r. It returns the lines in the row range and
// the start offset of every row followed by the total size.
func scanRows(r io.Reader, rows store.RowRange) ([]byte, []int64, error) {
	var buf bytes.Buffer
	offsets := []int64{0}
	br := bufio.NewReader(r)
	var pos int64
	for row := int64(0); ; row++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			pos += int64(len(line))
			offsets = append(offsets, pos)
			if row >= rows.Lower && row < rows.Upper {
				buf.Write(line)
				if line[len(line)-1] != '\n' {
					buf.WriteByte('\n')
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return buf.Bytes(), offsets, nil
}

func objectAttributes(typ string, size *int64, modified *time.Time, etag *string, meta map[string]string) store.Attributes {
	mtime := store.FormatTime(aws.ToTime(modified))
	attrs := store.Attributes{
		store.AttrType:                 typ,
		store.AttrRefCounter:           int64(1),
		store.AttrUncompressedDataSize: aws.ToInt64(size),
		store.AttrModificationTime:     mtime,
		store.AttrAccessTime:           mtime,
		store.AttrCreationTime:         mtime,
	}
	if etag != nil {
		attrs["etag"] = strings.Trim(*etag, `"`)
	}
	for k, v := range meta {
		if _, ok := attrs[k]; !ok {
			attrs[k] = v
		}
	}
	return attrs
}

func dirAttributes(modified time.Time) store.Attributes {
	ts := store.FormatTime(modified)
	return store.Attributes{
		store.AttrType:             "map_node",
		store.AttrRefCounter:       int64(1),
		store.AttrModificationTime: ts,
		store.AttrAccessTime:       ts,
		store.AttrCreationTime:     ts,
	}
}

func filter(all store.Attributes, attrs []string) store.Attributes {
	if attrs == nil {
		return all
	}
	out := make(store.Attributes, len(attrs))
	for _, name := range attrs {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}
