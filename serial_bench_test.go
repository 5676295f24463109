package serialchannel

import (
	"context"
	"testing"
)

func BenchmarkLoopbackWriteReadString(b *testing.B) {
	backend := &fakeBackend{prepare: func(d *fakeDevice) { d.loopback = true }}
	cfg := testConfig()
	cfg.Timeouts.WriteTotalConstant = 0
	ch, err := NewWithConfig(cfg, WithOpener(backend.open))
	if err != nil {
		b.Fatal(err)
	}
	if err = ch.Open(); err != nil {
		b.Fatal(err)
	}
	defer ch.Close()

	payload := []byte("FA00014074000;")
	ctx := context.Background()
	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err = ch.Write(payload); err != nil {
			b.Fatal(err)
		}
		if _, err = ch.ReadBytes(ctx, len(payload)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRxBufferAppendTake(b *testing.B) {
	buf := newRxBuffer(DefaultMaxBuffered)
	chunk := make([]byte, 64)
	b.SetBytes(int64(len(chunk)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.append(chunk)
		if out, _ := buf.take(len(chunk)); out == nil {
			b.Fatal("short buffer")
		}
	}
}
