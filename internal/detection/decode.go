package detection

import "fmt"

// DecodeYOLO decodes a YOLOv8-style output tensor of shape [1, 4+C, N]
// (center x, center y, width, height, then C class scores for each of N
// candidates). Boxes are in model input pixels and are scaled by sx, sy
// into frame pixels. Candidates below conf are dropped and the rest are
// suppressed with NMS at iou.
func DecodeYOLO(data []float32, attrs, n int, sx, sy, conf, iou float64, names ClassNames) ([]Detection, error) {
	if attrs < 5 || n <= 0 {
		return nil, fmt.Errorf("unexpected YOLO output shape [%d, %d]", attrs, n)
	}
	if len(data) < attrs*n {
		return nil, fmt.Errorf("YOLO output has %d values, want %d", len(data), attrs*n)
	}
	classes := attrs - 4

	var dets []Detection
	for i := 0; i < n; i++ {
		best, score := -1, float32(0)
		for c := 0; c < classes; c++ {
			if s := data[(4+c)*n+i]; s > score {
				best, score = c, s
			}
		}
		if best < 0 || float64(score) < conf {
			continue
		}
		cx, cy := float64(data[i]), float64(data[n+i])
		w, h := float64(data[2*n+i]), float64(data[3*n+i])
		dets = append(dets, Detection{
			XMin:       int((cx - w/2) * sx),
			YMin:       int((cy - h/2) * sy),
			XMax:       int((cx + w/2) * sx),
			YMax:       int((cy + h/2) * sy),
			Confidence: float64(score),
			ClassID:    best,
			ClassName:  names.Name(best),
		})
	}
	return NMS(dets, iou), nil
}

// DecodeSSD decodes an SSD detection tensor of shape [1, 1, N, 7] with rows
// [image id, class id, confidence, left, top, right, bottom] where the box
// is normalized to [0, 1].
func DecodeSSD(data []float32, width, height int, conf float64, names ClassNames) ([]Detection, error) {
	if len(data)%7 != 0 {
		return nil, fmt.Errorf("SSD output length %d is not a multiple of 7", len(data))
	}
	var dets []Detection
	for i := 0; i+7 <= len(data); i += 7 {
		row := data[i : i+7]
		score := float64(row[2])
		if score < conf {
			continue
		}
		id := int(row[1])
		dets = append(dets, Detection{
			XMin:       int(float64(row[3]) * float64(width)),
			YMin:       int(float64(row[4]) * float64(height)),
			XMax:       int(float64(row[5]) * float64(width)),
			YMax:       int(float64(row[6]) * float64(height)),
			Confidence: score,
			ClassID:    id,
			ClassName:  names.Name(id),
		})
	}
	return dets, nil
}

// ToRaw converts detections to the map form adapters hand to the pipeline.
func ToRaw(dets []Detection) []Raw {
	raws := make([]Raw, len(dets))
	for i, d := range dets {
		raws[i] = map[string]any{
			"x1":    d.XMin,
			"y1":    d.YMin,
			"x2":    d.XMax,
			"y2":    d.YMax,
			"score": d.Confidence,
			"cls":   d.ClassID,
			"name":  d.ClassName,
		}
	}
	return raws
}
