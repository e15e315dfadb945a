package protocol

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/upow-network/imagepool/internal/wallet"
)

func testEnvelope() *BatchEnvelope {
	output := base64.StdEncoding.EncodeToString([]byte("fake-image-bytes"))
	tasks := make([]TaskRecord, 3)
	for i := range tasks {
		tasks[i] = TaskRecord{
			ID:             "task-" + string(rune('a'+i)),
			RetrieveID:     "ret-" + string(rune('a'+i)),
			Task:           "an image of a lighthouse at dusk",
			NegativePrompt: "blurry, low quality",
			WalletAddress:  "wallet-" + string(rune('a'+i)),
			Width:          512,
			Height:         512,
			Seed:           "12345",
			Time:           "2024-06-01T12:00:00Z",
			Status:         "completed",
			Type:           "high",
			MessageType:    "requestedTask",
			Output:         output,
		}
	}
	return &BatchEnvelope{
		ValID:      "val-1",
		PoolIP:     "10.0.0.1",
		PoolPort:   9090,
		PoolWallet: "pool-wallet",
		Condition:  "dispatch",
		CreatedAt:  "2024-06-01T11:59:00Z",
		Tasks:      tasks,
	}
}

func TestCanonicalDigestDeterministic(t *testing.T) {
	env := testEnvelope()

	d1, err := CanonicalDigest(env)
	if err != nil {
		t.Fatalf("CanonicalDigest: %v", err)
	}
	d2, err := CanonicalDigest(env)
	if err != nil {
		t.Fatalf("CanonicalDigest: %v", err)
	}

	if d1 != d2 {
		t.Errorf("digest not deterministic: %q vs %q", d1, d2)
	}
	if len(d1) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(d1))
	}
}

func TestCanonicalDigestExcludesOutput(t *testing.T) {
	env := testEnvelope()
	before, err := CanonicalDigest(env)
	if err != nil {
		t.Fatalf("CanonicalDigest: %v", err)
	}

	env.Tasks[0].Output = base64.StdEncoding.EncodeToString([]byte("different-bytes"))
	after, err := CanonicalDigest(env)
	if err != nil {
		t.Fatalf("CanonicalDigest: %v", err)
	}

	if before != after {
		t.Error("digest changed when only the binary output changed")
	}
}

func TestCanonicalDigestCoversSignedFields(t *testing.T) {
	mutations := map[string]func(*BatchEnvelope){
		"val_id":          func(e *BatchEnvelope) { e.ValID = "val-2" },
		"pool_ip":         func(e *BatchEnvelope) { e.PoolIP = "10.0.0.2" },
		"pool_port":       func(e *BatchEnvelope) { e.PoolPort = 9091 },
		"pool_wallet":     func(e *BatchEnvelope) { e.PoolWallet = "other" },
		"condition":       func(e *BatchEnvelope) { e.Condition = "pending" },
		"createdAt":       func(e *BatchEnvelope) { e.CreatedAt = "2024-06-01T12:01:00Z" },
		"task id":         func(e *BatchEnvelope) { e.Tasks[0].ID = "task-x" },
		"task prompt":     func(e *BatchEnvelope) { e.Tasks[1].Task = "something else" },
		"task wallet":     func(e *BatchEnvelope) { e.Tasks[2].WalletAddress = "mallory" },
		"task seed":       func(e *BatchEnvelope) { e.Tasks[0].Seed = "999" },
		"task dimensions": func(e *BatchEnvelope) { e.Tasks[1].Width = 1024 },
		"task status":     func(e *BatchEnvelope) { e.Tasks[2].Status = "sent" },
	}

	base, err := CanonicalDigest(testEnvelope())
	if err != nil {
		t.Fatalf("CanonicalDigest: %v", err)
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			env := testEnvelope()
			mutate(env)
			got, err := CanonicalDigest(env)
			if err != nil {
				t.Fatalf("CanonicalDigest: %v", err)
			}
			if got == base {
				t.Errorf("mutating %s did not change the digest", name)
			}
		})
	}
}

func TestSignAttachesVerifiableSignature(t *testing.T) {
	kp, err := wallet.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	env := testEnvelope()
	env.PoolWallet = kp.Address()

	if err := Sign(env, kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if env.HashStr == "" || env.Signature == "" {
		t.Fatal("Sign left digest or signature empty")
	}
	if !strings.Contains(env.Signature, ",") {
		t.Fatalf("signature %q is not an r,s pair", env.Signature)
	}

	if err := wallet.VerifyDigest(env.PoolWallet, env.HashStr, env.Signature); err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}
}

func TestValidateEnvelope(t *testing.T) {
	env := testEnvelope()
	env.Signature = "1,2"
	env.HashStr = "abcdef"
	if err := ValidateEnvelope(env); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	t.Run("wrong task count", func(t *testing.T) {
		env := testEnvelope()
		env.Signature = "1,2"
		env.HashStr = "abcdef"
		env.Tasks = env.Tasks[:2]
		if err := ValidateEnvelope(env); err == nil {
			t.Error("envelope with 2 tasks accepted")
		}
	})

	t.Run("missing wallet", func(t *testing.T) {
		env := testEnvelope()
		env.Signature = "1,2"
		env.HashStr = "abcdef"
		env.PoolWallet = ""
		if err := ValidateEnvelope(env); err == nil {
			t.Error("envelope without pool wallet accepted")
		}
	})

	t.Run("non-base64 output", func(t *testing.T) {
		env := testEnvelope()
		env.Signature = "1,2"
		env.HashStr = "abcdef"
		env.Tasks[0].Output = "not base64!!"
		if err := ValidateEnvelope(env); err == nil {
			t.Error("envelope with invalid output encoding accepted")
		}
	})
}
