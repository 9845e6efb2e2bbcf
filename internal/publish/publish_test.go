package publish

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakeStore struct {
	exists    bool
	existsErr error
	made      []string
	putErr    error
	objects   map[string]string
	types     map[string]string
}

func (f *fakeStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeStore) PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	b, _ := io.ReadAll(r)
	if int64(len(b)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	if f.objects == nil {
		f.objects = map[string]string{}
		f.types = map[string]string{}
	}
	f.objects[bucket+"/"+object] = string(b)
	f.types[object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func files() map[string][]byte {
	return map[string][]byte{
		"test_client.py": []byte("def test(): pass"),
		"client.py":      []byte("import httpx"),
		"logs.txt":       []byte("1 passed"),
	}
}

func TestPublish_UploadsAllFilesAndCreatesBucket(t *testing.T) {
	fs := &fakeStore{}
	p := &Publisher{store: fs, bucket: "sdk", prefix: "/rivet/"}
	keys, err := p.Publish(context.Background(), "01RUN", files())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fs.made) != 1 || fs.made[0] != "sdk" {
		t.Fatalf("made: %v", fs.made)
	}
	if len(keys) != 3 {
		t.Fatalf("keys: %v", keys)
	}
	digest := Digest([]string{"client.py", "logs.txt", "test_client.py"}, files())
	want := "rivet/01RUN/" + digest + "/client.py"
	if keys[0] != want {
		t.Fatalf("key: got %q want %q", keys[0], want)
	}
	if fs.objects["sdk/"+want] != "import httpx" {
		t.Fatalf("objects: %v", fs.objects)
	}
	if fs.types[want] != "text/x-python" {
		t.Fatalf("content type: %q", fs.types[want])
	}
}

func TestPublish_ExistingBucketNotRecreated(t *testing.T) {
	fs := &fakeStore{exists: true}
	p := &Publisher{store: fs, bucket: "sdk"}
	if _, err := p.Publish(context.Background(), "r", files()); err != nil {
		t.Fatal(err)
	}
	if len(fs.made) != 0 {
		t.Fatalf("made: %v", fs.made)
	}
}

func TestPublish_Errors(t *testing.T) {
	boom := errors.New("boom")
	p := &Publisher{store: &fakeStore{existsErr: boom}, bucket: "b"}
	if _, err := p.Publish(context.Background(), "r", files()); !errors.Is(err, boom) {
		t.Fatalf("exists: got %v", err)
	}
	p = &Publisher{store: &fakeStore{exists: true, putErr: boom}, bucket: "b"}
	if _, err := p.Publish(context.Background(), "r", files()); !errors.Is(err, boom) {
		t.Fatalf("put: got %v", err)
	}
}

func TestDigest_StableAndContentSensitive(t *testing.T) {
	names := []string{"a", "b"}
	f1 := map[string][]byte{"a": []byte("x"), "b": []byte("y")}
	f2 := map[string][]byte{"a": []byte("xy"), "b": []byte("")}
	if Digest(names, f1) != Digest(names, f1) {
		t.Fatal("digest not stable")
	}
	if Digest(names, f1) == Digest(names, f2) {
		t.Fatal("digest ignores file boundaries")
	}
	if len(Digest(names, f1)) != 16 {
		t.Fatalf("digest length: %d", len(Digest(names, f1)))
	}
}

func TestNew_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	p, err := New(Config{Endpoint: "localhost:9000", Bucket: "b"})
	if err != nil || p == nil {
		t.Fatalf("New: %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("", "r", "d", "client.py"); got != "r/d/client.py" {
		t.Fatalf("got %q", got)
	}
}
