package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

var testTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// fakeS3 is an in-memory bucket answering the calls Store makes.
type fakeS3 struct {
	objects map[string][]byte
	etags   map[string]string
	calls   map[string]int
	ranges  []string
	version int
}

func newFakeS3(objects map[string]string) *fakeS3 {
	f := &fakeS3{objects: make(map[string][]byte), etags: make(map[string]string), calls: make(map[string]int)}
	for k, v := range objects {
		f.objects[k] = []byte(v)
		f.etags[k] = `"abc"`
	}
	return f
}

// put replaces an object and gives it a new etag.
func (f *fakeS3) put(key, data string) {
	f.objects[key] = []byte(data)
	f.version++
	f.etags[key] = fmt.Sprintf(`"v%d"`, f.version)
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.calls["head"]++
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(testTime),
		ETag:          aws.String(f.etags[aws.ToString(in.Key)]),
		Metadata:      map[string]string{"owner": "alice"},
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls["get"]++
	key := aws.ToString(in.Key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.IfMatch != nil && *in.IfMatch != f.etags[key] {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
	}
	f.ranges = append(f.ranges, aws.ToString(in.Range))
	if in.Range != nil {
		var lo, hi int
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &lo, &hi); err != nil {
			return nil, err
		}
		if lo >= len(data) {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange", Message: "range not satisfiable"}
		}
		data = data[lo:min(hi+1, len(data))]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ETag: aws.String(f.etags[key])}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.calls["list"]++
	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := make(map[string]bool)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
			}
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(testTime),
		})
	}
	if in.MaxKeys != nil && len(out.Contents) > int(*in.MaxKeys) {
		out.Contents = out.Contents[:*in.MaxKeys]
	}
	return out, nil
}

func newTestStore(prefix string, objects map[string]string) (*Store, *fakeS3) {
	fake := newFakeS3(objects)
	return NewWithClient(fake, "bucket", prefix), fake
}

func TestGetAttributes_NodeTypes(t *testing.T) {
	s, _ := newTestStore("", map[string]string{
		"a.txt":                "hello",
		"data/t" + TableSuffix: "{\"x\":1}\n",
		"data/deep/x":          "x",
	})
	ctx := context.Background()

	tests := []struct {
		path string
		want string
	}{
		{"/", "map_node"},
		{"//a.txt", "file"},
		{"//data/t", "table"},
		{"//data", "map_node"},
		{"//data/deep", "map_node"},
	}
	for _, tt := range tests {
		attrs, err := s.GetAttributes(ctx, tt.path, nil)
		if err != nil {
			t.Fatalf("GetAttributes(%s): %v", tt.path, err)
		}
		if attrs[store.AttrType] != tt.want {
			t.Errorf("%s: type = %v, want %s", tt.path, attrs[store.AttrType], tt.want)
		}
	}

	if _, err := s.GetAttributes(ctx, "//missing", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAttributes_FileDetails(t *testing.T) {
	s, _ := newTestStore("", map[string]string{"a.txt": "hello"})

	attrs, err := s.GetAttributes(context.Background(), "//a.txt", nil)
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	na, err := store.ParseNodeAttributes(attrs)
	if err != nil {
		t.Fatalf("ParseNodeAttributes: %v", err)
	}
	if na.Size != 5 || !na.ModTime.Equal(testTime) {
		t.Errorf("unexpected attributes %+v", na)
	}
	if attrs["etag"] != "abc" || attrs["owner"] != "alice" {
		t.Errorf("expected etag and user metadata, got %v", attrs)
	}

	only, err := s.GetAttributes(context.Background(), "//a.txt", []string{store.AttrType, "missing"})
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	if len(only) != 1 {
		t.Errorf("expected only the type attribute, got %v", only)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore("root", map[string]string{
		"root/a.txt":           "hello",
		"root/t" + TableSuffix: "{\"x\":1}\n",
		"root/dir/x":           "x",
		"root/dir/sub/y":       "y",
		"elsewhere/ignored":    "z",
	})
	ctx := context.Background()

	children, err := s.List(ctx, store.Root, store.SystemAttributes)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	kinds := make(map[string]any)
	for _, c := range children {
		kinds[c.Name] = c.Attributes[store.AttrType]
	}
	want := map[string]any{"a.txt": "file", "t": "table", "dir": "map_node"}
	if len(kinds) != len(want) {
		t.Fatalf("children = %v, want %v", kinds, want)
	}
	for name, typ := range want {
		if kinds[name] != typ {
			t.Errorf("%s: type = %v, want %v", name, kinds[name], typ)
		}
	}

	sub, err := s.List(ctx, "//dir", nil)
	if err != nil {
		t.Fatalf("List(//dir): %v", err)
	}
	if len(sub) != 2 {
		t.Errorf("expected x and sub, got %+v", sub)
	}

	if _, err := s.List(ctx, "//nowhere", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadFile(t *testing.T) {
	s, _ := newTestStore("", map[string]string{"a.txt": "hello"})
	ctx := context.Background()

	data, err := s.ReadFile(ctx, "//a.txt", 2, 10)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "llo" {
		t.Errorf("expected llo, got %q", data)
	}

	data, err = s.ReadFile(ctx, "//a.txt", 5, 10)
	if err != nil || len(data) != 0 {
		t.Errorf("read past end = %q, %v; want empty", data, err)
	}

	if _, err := s.ReadFile(ctx, "//missing", 0, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadTable(t *testing.T) {
	s, _ := newTestStore("", map[string]string{
		"t" + TableSuffix: "{\"x\":1}\n{\"x\":2}\n{\"x\":3}",
	})
	ctx := context.Background()

	data, err := s.ReadTable(ctx, "//t", store.RowRange{Lower: 1, Upper: 3}, "json")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if string(data) != "{\"x\":2}\n{\"x\":3}\n" {
		t.Errorf("unexpected rows %q", data)
	}

	data, err = s.ReadTable(ctx, "//t", store.RowRange{Lower: 3, Upper: 6}, "json")
	if err != nil || len(data) != 0 {
		t.Errorf("rows past end = %q, %v; want empty", data, err)
	}

	if _, err := s.ReadTable(ctx, "//t", store.RowRange{Lower: 0, Upper: 1}, "yson"); err == nil {
		t.Error("expected error for unsupported format")
	}
	if _, err := s.ReadTable(ctx, "//missing", store.RowRange{Lower: 0, Upper: 1}, "json"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadTable_FetchesOnlyRequestedRows(t *testing.T) {
	key := "t" + TableSuffix
	s, fake := newTestStore("", map[string]string{
		key: "{\"x\":1}\n{\"x\":2}\n{\"x\":3}\n{\"x\":4}",
	})
	ctx := context.Background()

	read := func(lo, hi int64) string {
		t.Helper()
		data, err := s.ReadTable(ctx, "//t", store.RowRange{Lower: lo, Upper: hi}, "json")
		if err != nil {
			t.Fatalf("ReadTable(%d, %d): %v", lo, hi, err)
		}
		return string(data)
	}

	if got := read(0, 2); got != "{\"x\":1}\n{\"x\":2}\n" {
		t.Errorf("rows 0-2 = %q", got)
	}
	if got := read(2, 4); got != "{\"x\":3}\n{\"x\":4}\n" {
		t.Errorf("rows 2-4 = %q", got)
	}
	if got := read(1, 2); got != "{\"x\":2}\n" {
		t.Errorf("rows 1-2 = %q", got)
	}
	if got := read(4, 8); got != "" {
		t.Errorf("rows past end = %q", got)
	}

	wantRanges := []string{"", "bytes=16-30", "bytes=8-15"}
	if fmt.Sprint(fake.ranges) != fmt.Sprint(wantRanges) {
		t.Errorf("ranges = %q, want %q", fake.ranges, wantRanges)
	}
	if fake.calls["head"] != 1 {
		t.Errorf("expected one head for the read past the end, got %d", fake.calls["head"])
	}
}

func TestReadTable_RescansChangedObject(t *testing.T) {
	key := "t" + TableSuffix
	s, fake := newTestStore("", map[string]string{key: "{\"x\":1}\n"})
	ctx := context.Background()

	if _, err := s.ReadTable(ctx, "//t", store.RowRange{Lower: 0, Upper: 1}, "json"); err != nil {
		t.Fatalf("ReadTable: %v", err)
	}

	fake.put(key, "{\"y\":10}\n{\"y\":20}\n")
	data, err := s.ReadTable(ctx, "//t", store.RowRange{Lower: 0, Upper: 1}, "json")
	if err != nil {
		t.Fatalf("ReadTable after rewrite: %v", err)
	}
	if string(data) != "{\"y\":10}\n" {
		t.Errorf("rows after rewrite = %q", data)
	}

	data, err = s.ReadTable(ctx, "//t", store.RowRange{Lower: 1, Upper: 2}, "json")
	if err != nil || string(data) != "{\"y\":20}\n" {
		t.Errorf("appended row = %q, %v", data, err)
	}

	// Rows past the old end are noticed through the etag check.
	fake.put(key, "{\"y\":10}\n{\"y\":20}\n{\"y\":30}\n")
	data, err = s.ReadTable(ctx, "//t", store.RowRange{Lower: 2, Upper: 3}, "json")
	if err != nil || string(data) != "{\"y\":30}\n" {
		t.Errorf("row after append = %q, %v", data, err)
	}
}

func TestKeyMapping(t *testing.T) {
	s := NewWithClient(newFakeS3(nil), "bucket", "/mnt/ytfs/")
	if got := s.key("//a/b"); got != "mnt/ytfs/a/b" {
		t.Errorf("key = %q", got)
	}
	if got := s.dirPrefix(store.Root); got != "mnt/ytfs/" {
		t.Errorf("root prefix = %q", got)
	}

	bare := NewWithClient(newFakeS3(nil), "bucket", "")
	if got := bare.dirPrefix(store.Root); got != "" {
		t.Errorf("bare root prefix = %q", got)
	}
	if got := bare.dirPrefix("//a"); got != "a/" {
		t.Errorf("bare dir prefix = %q", got)
	}
}
