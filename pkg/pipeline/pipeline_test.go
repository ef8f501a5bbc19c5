package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specstack/internal/models"
	"specstack/pkg/combine"
	"specstack/pkg/config"
	"specstack/pkg/frameio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeFrames writes n flat frames of the given level; frame hit gets a
// cosmic ray at pixel (1, 1)
func writeFrames(t *testing.T, dir, prefix string, n int, level float64, hit int) {
	t.Helper()
	for k := 0; k < n; k++ {
		f := models.NewFrame(4, 4)
		for i := range f.Data {
			f.Data[i] = level + float64(k%3) - 1
		}
		if k == hit {
			f.Set(1, 1, 150000)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.fits", prefix, k+1))
		require.NoError(t, frameio.WriteFITS(path, f, fitsio.Card{Name: "EXPTIME", Value: 10.0 * float64(k+1)}))
	}
}

func testParams() combine.Params {
	p := combine.DefaultParams()
	p.Method = combine.Mean
	p.Satpix = combine.SatpixReject
	p.Detector = &combine.Detector{Saturation: 205000, Nonlinear: 0.85}
	p.Policy.Cosmics = 5
	p.Policy.Replace = combine.ReplaceMaxNonSat
	return p
}

func readCard(t *testing.T, path, name string) string {
	t.Helper()
	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()

	f, err := fitsio.Open(r)
	require.NoError(t, err)
	defer f.Close()

	card := f.HDU(0).Header().Get(name)
	require.NotNil(t, card, "card %s", name)
	return strings.TrimSpace(fmt.Sprint(card.Value))
}

func TestRunCombinesGroups(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "bias", 5, 400, 2)
	writeFrames(t, dir, "arc", 4, 9000, -1)

	biasParams := testParams()
	biasParams.FrameType = "bias"
	arcParams := testParams()
	arcParams.FrameType = "arc"

	groups := []Group{
		{Name: "bias", Inputs: []string{filepath.Join(dir, "bias_*.fits")}, Output: filepath.Join(dir, "out", "MasterBias.fits"), Params: biasParams},
		{Name: "arc", Inputs: []string{filepath.Join(dir, "arc_*.fits")}, Output: filepath.Join(dir, "out", "MasterArc.fits"), Params: arcParams},
	}

	p := New(quietLogger(), Options{Workers: 2, PreviewDir: filepath.Join(dir, "previews")})
	results, err := p.Run(context.Background(), groups)
	require.NoError(t, err)
	require.Len(t, results, 2)

	bias := results[0]
	assert.Equal(t, "bias", bias.Group)
	assert.Len(t, bias.Inputs, 5)
	assert.Equal(t, 5, bias.Stats.NumFrames)
	assert.Equal(t, 1, bias.Stats.CosmicRejected)
	assert.FileExists(t, bias.Preview)

	exp, err := frameio.ReadFITS(bias.Output)
	require.NoError(t, err)
	// frames 1..5 hold 399, 400, 401, 399, 400
	want := (399.0 + 400 + 401 + 399 + 400) / 5
	for i, v := range exp.Frame.Data {
		if i == 1*4+1 {
			// the cosmic ray in frame 3 (401) is rejected
			assert.InDelta(t, (399.0+400+399+400)/4, v, 1e-9)
			continue
		}
		assert.InDeltaf(t, want, v, 1e-9, "pixel %d", i)
	}
	assert.InDelta(t, 30.0, exp.Exptime, 1e-9)

	assert.Equal(t, p.RunID(), readCard(t, bias.Output, "RUNID"))
	assert.Equal(t, "bias", readCard(t, bias.Output, "FRAMETYP"))
	assert.Equal(t, "arc", readCard(t, results[1].Output, "FRAMETYP"))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().groups.WithLabelValues("ok")))
	assert.Equal(t, 9.0, testutil.ToFloat64(p.Metrics().frames))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().rejected.WithLabelValues("cosmic")))
}

// writeRawFrame writes counts as an unsigned 16-bit detector frame, stored
// as BITPIX 16 with BZERO 32768
func writeRawFrame(t *testing.T, path string, width, height int, counts []uint16, exptime float64) {
	t.Helper()
	raw := make([]int16, len(counts))
	for i, c := range counts {
		raw[i] = int16(int32(c) - 32768)
	}

	w, err := os.Create(path)
	require.NoError(t, err)
	defer w.Close()

	f, err := fitsio.Create(w)
	require.NoError(t, err)
	im := fitsio.NewImage(16, []int{width, height})
	require.NoError(t, im.Header().Append(
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1},
		fitsio.Card{Name: "EXPTIME", Value: exptime},
	))
	require.NoError(t, im.Write(raw))
	require.NoError(t, f.Write(im))
	require.NoError(t, im.Close())
	require.NoError(t, f.Close())
}

func TestRunCombinesRawDetectorFrames(t *testing.T) {
	dir := t.TempDir()
	levels := []uint16{1000, 1004, 1002, 60000, 1001}
	for k, level := range levels {
		counts := []uint16{level, level, level, level + 10, level, level}
		writeRawFrame(t, filepath.Join(dir, fmt.Sprintf("raw_%d.fits", k+1)), 3, 2, counts, 5)
	}

	params := combine.DefaultParams()
	params.Method = combine.Median
	params.FrameType = "pixelflat"
	params.Policy.Low, params.Policy.High = 1, 1

	p := New(quietLogger(), Options{Workers: 2})
	results, err := p.Run(context.Background(), []Group{{
		Name:   "pixelflat",
		Inputs: []string{filepath.Join(dir, "raw_*.fits")},
		Output: filepath.Join(dir, "MasterFlat.fits"),
		Params: params,
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Inputs, len(levels))
	assert.Equal(t, 2*6, results[0].Stats.LowHighRejected)

	exp, err := frameio.ReadFITS(results[0].Output)
	require.NoError(t, err)
	// 1000 and 60000 are trimmed, the median of 1001, 1002, 1004 is left
	assert.Equal(t, []float64{1002, 1002, 1002, 1012, 1002, 1002}, exp.Frame.Data)
	assert.InDelta(t, 5.0, exp.Exptime, 1e-9)
	assert.Equal(t, "pixelflat", readCard(t, results[0].Output, "FRAMETYP"))
}

func TestRunWeightsByExposureTime(t *testing.T) {
	dir := t.TempDir()
	for k, level := range []float64{100, 400} {
		f := models.NewFrame(2, 2)
		for i := range f.Data {
			f.Data[i] = level
		}
		path := filepath.Join(dir, fmt.Sprintf("sci_%d.fits", k))
		require.NoError(t, frameio.WriteFITS(path, f, fitsio.Card{Name: "EXPTIME", Value: float64(100 * (1 + 2*k))}))
	}

	params := combine.DefaultParams()
	group := Group{
		Name:   "science",
		Inputs: []string{filepath.Join(dir, "sci_*.fits")},
		Output: filepath.Join(dir, "combined.fits"),
		Params: params,
		Weight: combine.WeightExptime,
	}

	p := New(quietLogger(), Options{Workers: 1})
	res, err := p.RunGroup(context.Background(), group)
	require.NoError(t, err)
	assert.Empty(t, res.Preview)

	exp, err := frameio.ReadFITS(res.Output)
	require.NoError(t, err)
	// exposure times 100 and 300
	assert.InDelta(t, (100*100.0+400*300)/400, exp.Frame.Data[0], 1e-9)
}

func TestRunFailures(t *testing.T) {
	dir := t.TempDir()
	p := New(quietLogger(), Options{Workers: 2})

	_, err := p.Run(context.Background(), nil)
	assert.ErrorIs(t, err, combine.ErrMissingInput)

	_, err = p.Run(context.Background(), []Group{{
		Name:   "flat",
		Inputs: []string{filepath.Join(dir, "flat_*.fits")},
		Output: filepath.Join(dir, "MasterFlat.fits"),
		Params: testParams(),
	}})
	assert.ErrorIs(t, err, combine.ErrMissingInput)
	assert.ErrorIs(t, err, frameio.ErrNoInputs)
	assert.Contains(t, err.Error(), "group flat")

	writeFrames(t, dir, "bias", 2, 400, -1)
	bad := testParams()
	bad.Policy.Low, bad.Policy.High = 1, 1
	_, err = p.Run(context.Background(), []Group{{
		Name:   "bias",
		Inputs: []string{filepath.Join(dir, "bias_*.fits")},
		Output: filepath.Join(dir, "MasterBias.fits"),
		Params: bad,
	}})
	assert.ErrorIs(t, err, combine.ErrInvalidPolicy)
	assert.NoFileExists(t, filepath.Join(dir, "MasterBias.fits"))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().groups.WithLabelValues("error")))
}

func TestWriteMetrics(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "bias", 3, 400, -1)

	p := New(quietLogger(), Options{})
	_, err := p.RunGroup(context.Background(), Group{
		Name:   "bias",
		Inputs: []string{filepath.Join(dir, "bias_*.fits")},
		Output: filepath.Join(dir, "MasterBias.fits"),
		Params: testParams(),
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "metrics", "specstack.prom")
	require.NoError(t, p.Metrics().WriteToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `specstack_groups_total{status="ok"} 1`), text)
	assert.Contains(t, text, "specstack_frames_combined_total 3")
	assert.Contains(t, text, "specstack_group_duration_seconds_count 1")
}

func TestGroupsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Combine.Weight = "counts"
	cfg.Combine.FrameType = "science"
	cfg.Groups = []config.Group{
		{Name: "bias", FrameType: "bias", Inputs: []string{"b*.fits"}, Output: "bias.fits"},
		{Name: "sci", Inputs: []string{"s*.fits"}, Output: "sci.fits"},
	}

	params, err := cfg.CombineParams(nil)
	require.NoError(t, err)

	groups, err := GroupsFromConfig(cfg, params)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "bias", groups[0].Params.FrameType)
	assert.Equal(t, "science", groups[1].Params.FrameType)
	assert.Equal(t, combine.WeightCounts, groups[1].Weight)
	assert.Equal(t, []string{"s*.fits"}, groups[1].Inputs)

	cfg.Combine.Weight = "snr"
	_, err = GroupsFromConfig(cfg, params)
	assert.ErrorIs(t, err, combine.ErrConfiguration)
}
