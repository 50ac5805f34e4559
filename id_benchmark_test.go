package outbox

import "testing"

func BenchmarkUUIDv7Generator(b *testing.B) {
	gen := NewUUIDv7Generator()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := gen.New(); err != nil {
			b.Fatalf("new id: %v", err)
		}
	}
}

func BenchmarkIDString(b *testing.B) {
	id, err := NewUUIDv7Generator().New()
	if err != nil {
		b.Fatalf("new id: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = id.String()
	}
}
