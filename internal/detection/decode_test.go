package detection

import "testing"

// yoloTensor lays out candidates column-wise the way YOLOv8 emits them.
func yoloTensor(classes int, cands [][]float32) []float32 {
	attrs, n := 4+classes, len(cands)
	data := make([]float32, attrs*n)
	for i, c := range cands {
		for a := 0; a < attrs; a++ {
			data[a*n+i] = c[a]
		}
	}
	return data
}

func TestDecodeYOLO(t *testing.T) {
	data := yoloTensor(3, [][]float32{
		{100, 100, 40, 20, 0.1, 0.0, 0.8}, // class 2, kept
		{102, 101, 40, 20, 0.0, 0.0, 0.6}, // overlaps the first, suppressed
		{300, 300, 10, 10, 0.2, 0.1, 0.0}, // below threshold
		{400, 200, 20, 20, 0.0, 0.9, 0.0}, // class 1, kept
	})
	dets, err := DecodeYOLO(data, 7, 4, 2, 0.5, 0.25, 0.45, ClassNames{"a", "b", "c"})
	if err != nil {
		t.Fatalf("DecodeYOLO: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2: %+v", len(dets), dets)
	}
	if dets[0].ClassName != "b" || dets[0].Confidence < 0.89 {
		t.Errorf("first = %+v", dets[0])
	}
	car := dets[1]
	if car.ClassID != 2 || car.XMin != 160 || car.XMax != 240 || car.YMin != 45 || car.YMax != 55 {
		t.Errorf("scaled box = %+v", car)
	}
}

func TestDecodeYOLOShapeErrors(t *testing.T) {
	if _, err := DecodeYOLO(nil, 4, 10, 1, 1, 0.1, 0.5, nil); err == nil {
		t.Error("expected error for too few attributes")
	}
	if _, err := DecodeYOLO(make([]float32, 10), 6, 10, 1, 1, 0.1, 0.5, nil); err == nil {
		t.Error("expected error for short data")
	}
}

func TestDecodeSSD(t *testing.T) {
	data := []float32{
		0, 3, 0.9, 0.1, 0.2, 0.5, 0.6,
		0, 1, 0.1, 0.0, 0.0, 1.0, 1.0,
	}
	dets, err := DecodeSSD(data, 200, 100, 0.5, ClassNames{"background", "person", "bicycle", "car"})
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections", len(dets))
	}
	d := dets[0]
	if d.ClassName != "car" || d.XMin != 20 || d.YMin != 20 || d.XMax != 100 || d.YMax != 60 {
		t.Errorf("detection = %+v", d)
	}

	if _, err := DecodeSSD(make([]float32, 8), 1, 1, 0.5, nil); err == nil {
		t.Error("expected error for a ragged tensor")
	}
}

func TestToRawRoundTripsThroughNormalize(t *testing.T) {
	in := []Detection{{XMin: 1, YMin: 2, XMax: 3, YMax: 4, Confidence: 0.7, ClassID: 2, ClassName: "car"}}
	out := NormalizeAll(ToRaw(in))
	if len(out) != 1 || out[0] != in[0] {
		t.Errorf("normalized %+v, want %+v", out, in)
	}
}
