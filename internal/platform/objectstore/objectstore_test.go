package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "traceability",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if !valid.Enabled() {
		t.Fatalf("expected enabled config")
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.Bucket = ""
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing bucket")
	}
	if (Config{}).Enabled() {
		t.Fatalf("expected empty config to be disabled")
	}
}

func TestNewBucketRequiresClient(t *testing.T) {
	if _, err := NewBucket(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
