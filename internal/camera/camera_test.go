package camera

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestParseBayerPattern(t *testing.T) {
	cases := []struct {
		in   string
		want BayerPattern
		err  bool
	}{
		{"RGGB", BayerRGGB, false},
		{"GRBG", BayerGRBG, false},
		{"BGGR", BayerBGGR, false},
		{"GBRG", BayerGBRG, false},
		{"MONO", BayerMono, false},
		{"", BayerMono, false},
		{"RGB", BayerNone, false},
		{"XYZW", BayerMono, true},
	}
	for _, tc := range cases {
		got, err := ParseBayerPattern(tc.in)
		if tc.err != (err != nil) {
			t.Fatalf("ParseBayerPattern(%q) err = %v", tc.in, err)
		}
		if !tc.err && got != tc.want {
			t.Fatalf("ParseBayerPattern(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSimShootWaitLockStep(t *testing.T) {
	sim := NewSim(SimConfig{Width: 64, Height: 48, BitDepth: 16, Seed: 1})
	if _, err := sim.Connect(""); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// WaitBlob before Shoot is a protocol error.
	if _, err := sim.WaitBlob(ctx); !errors.Is(err, ErrNoShootActive) {
		t.Fatalf("WaitBlob without shoot: %v", err)
	}

	if err := sim.Shoot(ctx, 1.0); err != nil {
		t.Fatal(err)
	}
	// A second Shoot while one is in flight is rejected.
	if err := sim.Shoot(ctx, 1.0); !errors.Is(err, ErrShootPending) {
		t.Fatalf("double shoot: %v", err)
	}

	blob, err := sim.WaitBlob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if blob.Width != 64 || blob.Height != 48 {
		t.Fatalf("blob dims %dx%d", blob.Width, blob.Height)
	}
	if len(blob.Data) != 64*48*2 {
		t.Fatalf("blob payload = %d bytes", len(blob.Data))
	}
	if blob.ExposureSec != 1.0 {
		t.Fatalf("blob exposure = %v", blob.ExposureSec)
	}
}

func TestSimExposureScalesSky(t *testing.T) {
	sim := NewSim(SimConfig{Width: 32, Height: 32, BitDepth: 16, Seed: 7, Stars: 0})
	if _, err := sim.Connect(""); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	meanOf := func(exp float32) float64 {
		t.Helper()
		if err := sim.Shoot(ctx, exp); err != nil {
			t.Fatal(err)
		}
		blob, err := sim.WaitBlob(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var sum float64
		for i := 0; i < len(blob.Data); i += 2 {
			sum += float64(binary.LittleEndian.Uint16(blob.Data[i:]))
		}
		return sum / float64(len(blob.Data)/2)
	}

	short := meanOf(0.5)
	long := meanOf(5.0)
	if long <= short*2 {
		t.Fatalf("longer exposure not brighter: %.1f vs %.1f", short, long)
	}
}

func TestSimDeadlineTimesOut(t *testing.T) {
	sim := NewSim(SimConfig{Width: 16, Height: 16, Seed: 3})
	if _, err := sim.Connect(""); err != nil {
		t.Fatal(err)
	}

	if err := sim.Shoot(context.Background(), 0.1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := sim.WaitBlob(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expired deadline: %v", err)
	}
}

func TestLibcameraPGMParsing(t *testing.T) {
	l := NewLibcamera(LibcameraConfig{}, nil)

	t.Run("8 bit", func(t *testing.T) {
		raw := append([]byte("P5\n4 2\n255\n"), []byte{1, 2, 3, 4, 5, 6, 7, 8}...)
		blob, err := l.parsePGM(raw)
		if err != nil {
			t.Fatal(err)
		}
		if blob.Width != 4 || blob.Height != 2 || blob.BitDepth != 8 {
			t.Fatalf("header: %dx%d @%d", blob.Width, blob.Height, blob.BitDepth)
		}
		if blob.Data[0] != 1 || blob.Data[7] != 8 {
			t.Fatalf("payload: %v", blob.Data)
		}
	})

	t.Run("16 bit big endian", func(t *testing.T) {
		payload := make([]byte, 4)
		binary.BigEndian.PutUint16(payload[0:], 0x0102)
		binary.BigEndian.PutUint16(payload[2:], 0x0fff)
		raw := append([]byte("P5\n# comment\n2 1\n4095\n"), payload...)

		blob, err := l.parsePGM(raw)
		if err != nil {
			t.Fatal(err)
		}
		if blob.BitDepth != 12 {
			t.Fatalf("bit depth = %d, want 12", blob.BitDepth)
		}
		if binary.LittleEndian.Uint16(blob.Data[0:]) != 0x0102 {
			t.Fatalf("sample 0 = %#x", binary.LittleEndian.Uint16(blob.Data[0:]))
		}
		if binary.LittleEndian.Uint16(blob.Data[2:]) != 0x0fff {
			t.Fatalf("sample 1 = %#x", binary.LittleEndian.Uint16(blob.Data[2:]))
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		raw := []byte("P5\n4 4\n255\n\x01\x02")
		if _, err := l.parsePGM(raw); err == nil {
			t.Fatal("short payload accepted")
		}
	})

	t.Run("not a pgm", func(t *testing.T) {
		if _, err := l.parsePGM([]byte("JFIF....")); err == nil {
			t.Fatal("garbage accepted")
		}
	})
}

func TestSimSettersValidateRange(t *testing.T) {
	sim := NewSim(SimConfig{})
	if err := sim.SetGain(-1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("negative gain: %v", err)
	}
	if err := sim.SetBinning(9); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("bad binning: %v", err)
	}
	if err := sim.SetGain(100); err != nil {
		t.Fatal(err)
	}
	if err := sim.SetBinning(2); err != nil {
		t.Fatal(err)
	}
}
