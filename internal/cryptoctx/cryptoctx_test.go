package cryptoctx

import "testing"

func TestValidateConsistency(t *testing.T) {
	cases := []struct {
		name  string
		block StdCryptoKeyBlock
		want  bool
	}{
		{"none/none", StdCryptoKeyBlock{DataCipher: CipherNone, DataHash: HashNone}, true},
		{"aes128/sha1", StdCryptoKeyBlock{DataCipher: CipherAES128, DataHash: HashHMACSHA1}, true},
		{"aes256/sha256", StdCryptoKeyBlock{DataCipher: CipherAES256, DataHash: HashHMACSHA256}, true},
		{"aes256/sha1-mismatch", StdCryptoKeyBlock{DataCipher: CipherAES256, DataHash: HashHMACSHA1}, false},
		{"none/sha256-mismatch", StdCryptoKeyBlock{DataCipher: CipherNone, DataHash: HashHMACSHA256}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.block.ValidateConsistency()
			if (err == nil) != c.want {
				t.Fatalf("ValidateConsistency() err=%v, want ok=%v", err, c.want)
			}
		})
	}
}

func TestEndpointKeyRemembersBeforeDiscovery(t *testing.T) {
	b := &StdCryptoKeyBlock{}
	id := [4]byte{1, 2, 3, 4}
	rec := b.EndpointKey(id)
	if !rec.Pending {
		t.Fatal("expected new endpoint key record to be pending")
	}
	rec.WriterTokens = []byte("tok")
	rec.Pending = false

	again := b.EndpointKey(id)
	if again != rec {
		t.Fatal("EndpointKey did not return the remembered record")
	}
	if again.Pending {
		t.Fatal("remembered record lost its installed state")
	}
}

func TestRegistryRegisterLookupRelease(t *testing.T) {
	r := NewRegistry()
	ctx := &Context{Plugin: "std", Block: &StdCryptoKeyBlock{}}
	h, err := r.Register(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Lookup(h)
	if err != nil || got != ctx {
		t.Fatalf("Lookup = %v, %v", got, err)
	}
	if err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Lookup(h); err == nil {
		t.Fatal("expected lookup after release to fail")
	}
}
