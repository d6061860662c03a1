package objectstore

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "checkpoints",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	body := "hello"
	if err := store.Put(ctx, "run/a.txt", strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "other/b.txt", strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, info, err := store.Get(ctx, "run/a.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	raw, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(raw) != body || info.Size != int64(len(body)) {
		t.Fatalf("Get returned %q size %d", raw, info.Size)
	}
	listed, err := store.List(ctx, "run/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || listed[0].Key != "run/a.txt" {
		t.Fatalf("List = %+v", listed)
	}
	if err := store.Delete(ctx, "run/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Stat(ctx, "run/a.txt"); err == nil {
		t.Fatal("expected Stat error after delete")
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestMinioStore(t *testing.T) {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_MINIO_ENDPOINT not set")
	}
	conn, err := net.DialTimeout("tcp", endpoint, time.Second)
	if err != nil {
		t.Skipf("minio not available at %s: %v", endpoint, err)
	}
	_ = conn.Close()

	store, err := NewMinioStore(context.Background(), Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_MINIO_SECRET_KEY"),
		Region:    "us-east-1",
		Bucket:    "pipetrain-test",
		Prefix:    "t-" + time.Now().UTC().Format("20060102150405.000000000"),
	})
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
	exercise(t, store)
}
