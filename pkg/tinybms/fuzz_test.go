// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomValues(rng *rand.Rand, max int) []uint16 {
	values := make([]uint16, 1+rng.Intn(max))
	for i := range values {
		values[i] = uint16(rng.Intn(0x10000))
	}
	return values
}

// randomRequest builds a random valid request frame and the request it encodes
func randomRequest(rng *rand.Rand) ([]byte, Request) {
	addr := uint16(rng.Intn(0x10000))
	switch rng.Intn(7) {
	case 0:
		return BuildReadIndividual(addr), Request{Command: CmdReadIndividual, Address: addr, Count: 1}
	case 1:
		value := uint16(rng.Intn(0x10000))
		return BuildWriteIndividual(addr, value), Request{Command: CmdWriteIndividual, Address: addr, Value: value, Count: 1}
	case 2:
		count := 1 + rng.Intn(MaxReadBlockCount)
		frame, _ := BuildReadBlock(addr, count)
		return frame, Request{Command: CmdReadBlock, Address: addr, Count: count}
	case 3:
		values := randomValues(rng, MaxWriteBlockCount)
		frame, _ := BuildWriteBlock(addr, values)
		return frame, Request{Command: CmdWriteBlock, Address: addr, Count: len(values), Values: values}
	case 4:
		count := 1 + rng.Intn(MaxModbusReadCount)
		frame, _ := BuildModbusRead(addr, count)
		return frame, Request{Command: CmdModbusRead, Address: addr, Count: count}
	case 5:
		values := randomValues(rng, MaxModbusWriteCount)
		frame, _ := BuildModbusWrite(addr, values)
		return frame, Request{Command: CmdModbusWrite, Address: addr, Count: len(values), Values: values}
	default:
		frame, _ := BuildReset(ResetOptionBMS)
		return frame, Request{Command: CmdReset, Option: ResetOptionBMS}
	}
}

func sameRequest(a, b Request) bool {
	if a.Command != b.Command || a.Address != b.Address || a.Value != b.Value ||
		a.Count != b.Count || a.Option != b.Option || len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	return true
}

// ============================================================
// Randomized round-trip tests
// ============================================================

func TestFuzz_BuildExtractDecode(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		frame, want := randomRequest(rng)

		off, n, err := ExtractFrame(frame)
		if err != nil {
			t.Fatalf("round %d: ExtractFrame failed on % X: %v", i, frame, err)
		}
		if !bytes.Equal(frame[off:off+n], frame) {
			t.Fatalf("round %d: extracted frame differs", i)
		}
		got, err := DecodeRequest(frame[off : off+n])
		if err != nil {
			t.Fatalf("round %d: DecodeRequest failed: %v", i, err)
		}
		if !sameRequest(got, want) {
			t.Fatalf("round %d: decoded %+v, expected %+v", i, got, want)
		}
	}
}

func TestFuzz_SingleBitCorruption(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		frame, _ := randomRequest(rng)
		payloadLen := int(frame[2])
		if payloadLen == 0 {
			continue
		}
		pos := HeaderSize + rng.Intn(payloadLen)
		frame[pos] ^= 1 << uint(rng.Intn(8))

		if _, _, err := ExtractFrame(frame); !errors.Is(err, ErrCRC) {
			t.Fatalf("round %d: corrupted byte %d not detected: %v", i, pos, err)
		}
	}
}

func TestFuzz_DecoderRandomStream(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	d := NewDecoder()

	expected := 0
	var stream []byte
	for i := 0; i < rounds; i++ {
		frame, _ := randomRequest(rng)
		stream = append(stream, frame...)
		expected++
	}

	got := 0
	for len(stream) > 0 {
		chunk := 1 + rng.Intn(64)
		if chunk > len(stream) {
			chunk = len(stream)
		}
		for _, r := range d.Feed(stream[:chunk]) {
			if r.Err != nil {
				t.Fatalf("unexpected decoder error: %v", r.Err)
			}
			got++
		}
		stream = stream[chunk:]
	}

	if got != expected {
		t.Errorf("decoded %d frames, expected %d", got, expected)
	}
}

// ============================================================
// Native fuzz targets
// ============================================================

func FuzzExtractFrame(f *testing.F) {
	f.Add([]byte{0xAA, 0x09, 0x04, 0x2C, 0x01, 0x34, 0x12, 0x2F, 0xCE})
	f.Add([]byte{0xAA, 0x01, 0x0D, 0x91, 0xB5})
	f.Add([]byte{0x00, 0xAA, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		off, n, err := ExtractFrame(data)
		if err != nil {
			return
		}
		frame := Frame(data[off : off+n])
		if !frame.Valid() {
			t.Fatalf("extracted frame fails CRC: % X", frame)
		}
		// Parsers must never panic on a valid-CRC frame of any shape.
		dst := make([]uint16, 8)
		_, _ = ParseReadResponse(frame)
		_, _, _ = ParseAck(frame)
		_, _ = ParseReadBlockResponse(frame, dst)
		_, _ = ParseModbusReadResponse(frame, dst)
		_, _ = ParseVersion(frame)
		_, _ = DecodeRequest(frame)
		_ = FormatFrame(frame)
	})
}

func FuzzDecoder(f *testing.F) {
	f.Add(BuildReadIndividual(0x012C))
	f.Add([]byte{0xAA, 0xAA, 0xAA, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder()
		for _, r := range d.Feed(data) {
			if r.Err == nil && !r.Frame.Valid() {
				t.Fatalf("decoder returned invalid frame % X", r.Frame)
			}
		}
		if d.Buffered() > MaxFrameSize {
			t.Fatalf("decoder retained %d bytes", d.Buffered())
		}
	})
}
