package codec

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/plancache/sim"
	"github.com/inference-sim/plancache/sim/population"
)

func samplePlan() *sim.PlanContent {
	return &sim.PlanContent{
		Type: "car-commuter",
		Elements: []sim.PlanElement{
			{Activity: &sim.Activity{Type: "home", LinkID: "l1", X: 100, Y: 200, StartTime: sim.UndefinedTime, EndTime: 7 * 3600, MaxDuration: sim.UndefinedTime}},
			{Leg: &sim.Leg{Mode: "car", DepartureTime: 7 * 3600, TravelTime: 1200, Route: &sim.Route{StartLink: "l1", EndLink: "l9", Links: []string{"l2", "l5"}, Distance: 8400.5}}},
			{Activity: &sim.Activity{Type: "work", LinkID: "l9", X: 5000, Y: 900, StartTime: 8 * 3600, EndTime: 17 * 3600, MaxDuration: sim.UndefinedTime}},
			{Leg: &sim.Leg{Mode: "walk", DepartureTime: sim.UndefinedTime, TravelTime: sim.UndefinedTime}},
			{Activity: &sim.Activity{Type: "home", LinkID: "l1", X: 100, Y: 200, StartTime: sim.UndefinedTime, EndTime: sim.UndefinedTime, MaxDuration: sim.UndefinedTime}},
		},
		Attributes: map[string]string{"origin": "census"},
	}
}

func mustCodec(t *testing.T, compression string) *BinaryCodec {
	t.Helper()
	c, err := New(sim.CodecConfig{Compression: compression})
	require.NoError(t, err)
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			// GIVEN a codec and canonical content
			c := mustCodec(t, compression)
			want := samplePlan()

			// WHEN encoded and decoded
			data, err := c.Encode(samplePlan())
			require.NoError(t, err)
			got, err := c.Decode(data)

			// THEN the content is reproduced exactly
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCodec_EmptyCollectionsDecodeAsNil(t *testing.T) {
	// GIVEN content with empty (non-nil) attributes and an all-zero route
	c := mustCodec(t, CompressionNone)
	content := samplePlan()
	content.Attributes = map[string]string{}
	content.Elements[1].Leg.Route = &sim.Route{Links: []string{}}

	// WHEN round-tripped
	data, err := c.Encode(content)
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)

	// THEN the result equals the canonical form
	assert.Nil(t, got.Attributes)
	assert.Nil(t, got.Elements[1].Leg.Route)
	assert.Equal(t, content, got, "Encode canonicalizes its input in place")
}

var (
	randTypes = []string{"home", "work", "shop", "", "ÿ\x00x"}
	randLinks = []string{"", "l1", "cell-3-4", "\x00", "link with spaces"}
	randTimes = []int64{sim.UndefinedTime, 0, 1, 8 * 3600, math.MaxInt64, math.MinInt64}
)

func pick[T any](r *rand.Rand, xs []T) T {
	return xs[r.Intn(len(xs))]
}

// randomContent builds valid content that mixes nil, empty and populated
// collections, all-zero routes and extreme field values.
func randomContent(r *rand.Rand) *sim.PlanContent {
	c := &sim.PlanContent{Type: pick(r, randTypes)}
	legs := r.Intn(6)
	for i := 0; i <= legs; i++ {
		typ := pick(r, randTypes)
		if typ == "" {
			typ = "other"
		}
		c.Elements = append(c.Elements, sim.PlanElement{Activity: &sim.Activity{
			Type:        typ,
			LinkID:      pick(r, randLinks),
			X:           (r.Float64() - 0.5) * 1e7,
			Y:           pick(r, []float64{0, math.MaxFloat64, -math.SmallestNonzeroFloat64, r.NormFloat64()}),
			StartTime:   pick(r, randTimes),
			EndTime:     pick(r, randTimes),
			MaxDuration: pick(r, randTimes),
		}})
		if i == legs {
			break
		}
		c.Elements = append(c.Elements, sim.PlanElement{Leg: &sim.Leg{
			Mode:          pick(r, []string{"car", "pt", "walk", "x"}),
			DepartureTime: pick(r, randTimes),
			TravelTime:    pick(r, randTimes),
			Route:         randomRoute(r),
		}})
	}
	switch r.Intn(3) {
	case 0:
	case 1:
		c.Attributes = map[string]string{}
	default:
		c.Attributes = make(map[string]string)
		for n := r.Intn(4) + 1; n > 0; n-- {
			c.Attributes[pick(r, randLinks)] = pick(r, randTypes)
		}
	}
	return c
}

func randomRoute(r *rand.Rand) *sim.Route {
	switch r.Intn(5) {
	case 0:
		return nil
	case 1:
		return &sim.Route{}
	case 2:
		return &sim.Route{Links: []string{}}
	case 3:
		return &sim.Route{Distance: r.Float64() * 1e5}
	default:
		route := &sim.Route{StartLink: pick(r, randLinks), EndLink: pick(r, randLinks), Distance: r.Float64() * 1e5}
		for n := r.Intn(5); n > 0; n-- {
			route.Links = append(route.Links, pick(r, randLinks))
		}
		return route
	}
}

func assertRoundTrip(t *testing.T, c *BinaryCodec, seed int64) {
	t.Helper()
	want := randomContent(rand.New(rand.NewSource(seed))).Canonicalize()
	data, err := c.Encode(randomContent(rand.New(rand.NewSource(seed))))
	require.NoError(t, err, "seed %d", seed)
	got, err := c.Decode(data)
	require.NoError(t, err, "seed %d", seed)
	assert.Equal(t, want, got, "seed %d", seed)
}

func TestCodec_RandomizedContent_RoundTripsToCanonicalForm(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			c := mustCodec(t, compression)
			for seed := int64(0); seed < 500; seed++ {
				assertRoundTrip(t, c, seed)
			}
		})
	}
}

func TestCodec_SyntheticPopulation_RoundTrips(t *testing.T) {
	// GIVEN two synthetic generators with the same seed
	cfg := population.SyntheticConfig{Agents: 200, PlansPerAgent: 2, Seed: 9}
	encoded, expected := population.NewSyntheticSource(cfg), population.NewSyntheticSource(cfg)
	c := mustCodec(t, CompressionZstd)
	ctx := context.Background()

	for {
		sa, err := encoded.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		want, err := expected.Next(ctx)
		require.NoError(t, err)

		for i, plan := range sa.Plans {
			// WHEN each plan's content is encoded and decoded
			data, err := c.Encode(plan.Content())
			require.NoError(t, err)
			got, err := c.Decode(data)
			require.NoError(t, err)

			// THEN it equals the canonical form of the generated content
			assert.Equal(t, want.Plans[i].Content().Canonicalize(), got, "%s plan %d", sa.ID, i)
		}
	}
}

func FuzzCodec_RoundTrip(f *testing.F) {
	for _, seed := range []int64{0, 1, 42, -7, math.MaxInt64} {
		f.Add(seed, false)
		f.Add(seed, true)
	}
	plain, err := New(sim.CodecConfig{Compression: CompressionNone})
	require.NoError(f, err)
	compressed, err := New(sim.CodecConfig{Compression: CompressionZstd})
	require.NoError(f, err)
	f.Fuzz(func(t *testing.T, seed int64, zstd bool) {
		c := plain
		if zstd {
			c = compressed
		}
		assertRoundTrip(t, c, seed)
	})
}

func FuzzCodec_Decode_NeverPanics(f *testing.F) {
	c, err := New(sim.CodecConfig{Compression: CompressionZstd})
	require.NoError(f, err)
	valid, err := c.Encode(samplePlan())
	require.NoError(f, err)
	f.Add(valid)
	f.Add([]byte("PL"))
	f.Fuzz(func(t *testing.T, data []byte) {
		got, err := c.Decode(data)
		if err != nil {
			assert.ErrorIs(t, err, sim.ErrCodec)
			return
		}
		assert.NoError(t, got.Validate())
	})
}

func TestCodec_HeaderLayout(t *testing.T) {
	data, err := mustCodec(t, CompressionZstd).Encode(samplePlan())
	require.NoError(t, err)

	assert.Equal(t, byte('P'), data[0])
	assert.Equal(t, byte('L'), data[1])
	assert.Equal(t, FormatVersion, data[2])
	assert.Equal(t, byte(flagZstd), data[3])
}

func TestCodec_PlainCodecReadsCompressedBlob(t *testing.T) {
	// GIVEN a blob written with zstd
	data, err := mustCodec(t, CompressionZstd).Encode(samplePlan())
	require.NoError(t, err)

	// WHEN a codec configured without compression decodes it
	got, err := mustCodec(t, CompressionNone).Decode(data)

	// THEN the flag in the header drives decompression
	require.NoError(t, err)
	assert.Equal(t, samplePlan(), got)
}

func TestCodec_RejectsMalformedBlobs(t *testing.T) {
	c := mustCodec(t, CompressionZstd)
	valid, err := c.Encode(samplePlan())
	require.NoError(t, err)

	mutate := func(f func([]byte) []byte) []byte {
		cp := append([]byte(nil), valid...)
		return f(cp)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", valid[:headerSize]},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"future version", mutate(func(b []byte) []byte { b[2] = FormatVersion + 1; return b })},
		{"unknown flag", mutate(func(b []byte) []byte { b[3] |= 0x80; return b })},
		{"corrupted body", mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b })},
		{"corrupted checksum", mutate(func(b []byte) []byte { b[5] ^= 0x01; return b })},
		{"truncated body", valid[:len(valid)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, sim.ErrCodec), "got %v", err)
		})
	}
}

func TestCodec_EncodeRejectsNil(t *testing.T) {
	_, err := mustCodec(t, CompressionNone).Encode(nil)
	assert.ErrorIs(t, err, sim.ErrCodec)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(sim.CodecConfig{Compression: "lz4"})
	assert.Error(t, err)

	_, err = New(sim.CodecConfig{Compression: CompressionZstd, Level: 40})
	assert.Error(t, err)

	c, err := New(sim.CodecConfig{})
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c.Compression(), "empty compression defaults to zstd")

	_, err = New(sim.CodecConfig{Compression: CompressionZstd, Level: 19})
	assert.NoError(t, err)
}

func TestCodec_ConcurrentUse(t *testing.T) {
	c := mustCodec(t, CompressionZstd)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				data, err := c.Encode(samplePlan())
				if err != nil {
					errs <- err
					return
				}
				if _, err := c.Decode(data); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRegister_SetsFactory(t *testing.T) {
	require.NotNil(t, sim.NewCodecFunc)
	c, err := sim.NewCodecFunc(sim.CodecConfig{Compression: CompressionNone})
	require.NoError(t, err)
	_, ok := c.(*BinaryCodec)
	assert.True(t, ok)
}
