// Package smmuv3 is a software model of an ARM System MMU version 3:
// the on-chip device that translates addresses issued by DMA-capable
// peripherals, enforces per-device isolation, and reports translation
// faults.
//
// The SMMU controller owns a stream table mapping StreamID to
// per-stream state, a bounded TLB cache, an ordered fault store, and
// the three architectural queues (event, command, page request).
// Translation walks up to two stages: a per-PASID Stage-1 space maps
// IOVA to IPA, a shared Stage-2 space maps IPA to PA, and the result
// carries the intersection of both stages' permissions.
//
//	smmu := smmuv3.NewDefault()
//	smmu.ConfigureStream(100, smmuv3.StreamConfig{
//		TranslationEnabled: true,
//		Stage1Enabled:      true,
//	})
//	smmu.EnableStream(100)
//	smmu.CreateStreamPASID(100, 1)
//	smmu.MapPage(100, 1, 0x1000, 0x40000000, smmuv3.PermRW, smmuv3.NonSecure)
//	data, err := smmu.Translate(100, 1, 0x1000, smmuv3.AccessRead, smmuv3.NonSecure)
//
// The model is safe for concurrent use: a coarse controller mutex
// guards the stream table and the queues, and each stream context,
// the TLB, and the fault handler serialize independently. No
// operation blocks on I/O; everything completes synchronously.
package smmuv3
