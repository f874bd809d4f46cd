package features

import (
	"math"
	"testing"
)

func TestNormalizeNonePassesThrough(t *testing.T) {
	in := [][]float32{{1, 2}, {3, 4}}
	out, err := Normalize(NormalizeNone, in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if &out[0][0] != &in[0][0] {
		t.Fatal("expected the input to be returned unchanged")
	}
}

func TestNormalizePerFeature(t *testing.T) {
	in := [][]float32{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
		{4, 40, 5},
	}
	out, err := Normalize(NormalizePerFeature, in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for d := 0; d < 2; d++ {
		var mean, sq float64
		for _, f := range out {
			mean += float64(f[d])
		}
		mean /= float64(len(out))
		for _, f := range out {
			sq += (float64(f[d]) - mean) * (float64(f[d]) - mean)
		}
		std := math.Sqrt(sq / float64(len(out)-1))
		if math.Abs(mean) > 1e-5 {
			t.Fatalf("dim %d mean %v, want 0", d, mean)
		}
		if math.Abs(std-1) > 1e-3 {
			t.Fatalf("dim %d std %v, want ~1", d, std)
		}
	}
	// column 0: mean 2.5, unbiased std sqrt(5/3)
	want := (1 - 2.5) / (math.Sqrt(5.0/3) + 1e-5)
	if math.Abs(float64(out[0][0])-want) > 1e-5 {
		t.Fatalf("out[0][0] = %v, want %v", out[0][0], want)
	}
	for _, f := range out {
		if f[2] != 0 {
			t.Fatalf("constant dimension should normalize to 0, got %v", f[2])
		}
	}
	if in[0][0] != 1 {
		t.Fatal("input was modified")
	}
}

func TestNormalizeSingleFrame(t *testing.T) {
	out, err := Normalize(NormalizePerFeature, [][]float32{{3, -2}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out[0][0] != 0 || out[0][1] != 0 {
		t.Fatalf("expected zeros, got %v", out[0])
	}
}

func TestNormalizeErrors(t *testing.T) {
	if _, err := Normalize("global", [][]float32{{1}}); err == nil {
		t.Fatal("expected unsupported mode error")
	}
	if _, err := Normalize(NormalizePerFeature, [][]float32{{1, 2}, {3}}); err == nil {
		t.Fatal("expected ragged frame error")
	}
}
