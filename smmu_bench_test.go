package smmuv3

import "testing"

func benchSetup(b *testing.B) *SMMU {
	b.Helper()

	s := NewDefault()
	if err := s.ConfigureStream(1, StreamConfig{TranslationEnabled: true, Stage1Enabled: true}); err != nil {
		b.Fatalf("configure: %v", err)
	}
	if err := s.EnableStream(1); err != nil {
		b.Fatalf("enable: %v", err)
	}
	if err := s.CreateStreamPASID(1, 1); err != nil {
		b.Fatalf("create pasid: %v", err)
	}
	if err := s.MapPage(1, 1, 0x1000, 0x40000000, PermRW, NonSecure); err != nil {
		b.Fatalf("map: %v", err)
	}
	return s
}

func BenchmarkTranslateHit(b *testing.B) {
	s := benchSetup(b)
	if _, err := s.Translate(1, 1, 0x1000, AccessRead, NonSecure); err != nil {
		b.Fatalf("warm: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Translate(1, 1, 0x1000, AccessRead, NonSecure); err != nil {
			b.Fatalf("translate: %v", err)
		}
	}
}

func BenchmarkTranslateMiss(b *testing.B) {
	s := benchSetup(b)
	if err := s.EnableCaching(false); err != nil {
		b.Fatalf("disable caching: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Translate(1, 1, 0x1000, AccessRead, NonSecure); err != nil {
			b.Fatalf("translate: %v", err)
		}
	}
}

func BenchmarkTranslateParallel(b *testing.B) {
	s := benchSetup(b)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := s.Translate(1, 1, 0x1000, AccessRead, NonSecure); err != nil {
				b.Fatalf("translate: %v", err)
			}
		}
	})
}

func BenchmarkTLBInsert(b *testing.B) {
	clk := &fakeClock{}
	tlb := NewTLBCache(1024, 0, clk.Now)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tlb.Insert(testEntry(1, 1, IOVA(i%4096)*PageSize, 0))
	}
}

func BenchmarkFaultRecord(b *testing.B) {
	clk := &fakeClock{}
	h := NewFaultHandler(clk.Now)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.RecordTranslationFault(1, 1, IOVA(i)*PageSize, AccessRead)
	}
}
