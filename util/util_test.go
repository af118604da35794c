package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	c := &AppConfig{}
	applyDefaults(c)

	if c.Conf.ActorCacheTtlHours != 24 {
		t.Errorf("ActorCacheTtlHours = %d, want 24", c.Conf.ActorCacheTtlHours)
	}
	if c.Conf.DeliveryWorkers != 8 {
		t.Errorf("DeliveryWorkers = %d, want 8", c.Conf.DeliveryWorkers)
	}
	if c.Conf.DeliveryBatch != 50 {
		t.Errorf("DeliveryBatch = %d, want 50", c.Conf.DeliveryBatch)
	}
	if c.Conf.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold = %d, want 5", c.Conf.BreakerThreshold)
	}
	if c.Conf.BreakerCooldownMin != 10 {
		t.Errorf("BreakerCooldownMin = %d, want 10", c.Conf.BreakerCooldownMin)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	c := &AppConfig{}
	c.Conf.ActorCacheTtlHours = 1
	c.Conf.DeliveryWorkers = 2
	c.Conf.BreakerThreshold = 9
	applyDefaults(c)

	if c.Conf.ActorCacheTtlHours != 1 || c.Conf.DeliveryWorkers != 2 || c.Conf.BreakerThreshold != 9 {
		t.Errorf("Explicit values were overwritten: %+v", c.Conf)
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair := GeneratePemKeypair()

	block, _ := pem.Decode([]byte(pair.Private))
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatalf("Private key block = %v", block)
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Errorf("Private key does not parse: %v", err)
	}

	pubBlock, _ := pem.Decode([]byte(pair.Public))
	if pubBlock == nil || pubBlock.Type != "PUBLIC KEY" {
		t.Fatalf("Public key block = %v", pubBlock)
	}
	if _, err := x509.ParsePKIXPublicKey(pubBlock.Bytes); err != nil {
		t.Errorf("Public key does not parse: %v", err)
	}
}

func TestNormalizeInput(t *testing.T) {
	got := NormalizeInput("hello\n<world>")
	if strings.Contains(got, "\n") {
		t.Error("Newlines should be flattened")
	}
	if strings.Contains(got, "<") {
		t.Error("HTML should be escaped")
	}
}
