package gcp

import (
	"context"
	"fmt"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/fableforge/fableforge-backend/internal/logger"
)

// PhotoVerdict is the evaluator's judgement of one reference photo. A photo
// is trainable when it contains exactly one clearly visible, unobstructed
// face.
type PhotoVerdict struct {
	Acceptable bool    `json:"acceptable"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

type PhotoEvaluator interface {
	Evaluate(ctx context.Context, img []byte, fileName string) (PhotoVerdict, error)
	Close() error
}

type photoEvaluator struct {
	log          *logger.Logger
	visionClient *vision.ImageAnnotatorClient

	minConfidence float64
}

func NewPhotoEvaluator(log *logger.Logger) (PhotoEvaluator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.PhotoEvaluator")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()
	vClient, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &photoEvaluator{
		log:           slog,
		visionClient:  vClient,
		minConfidence: 0.6,
	}, nil
}

func (s *photoEvaluator) Close() error {
	if s == nil || s.visionClient == nil {
		return nil
	}
	return s.visionClient.Close()
}

func (s *photoEvaluator) Evaluate(ctx context.Context, img []byte, fileName string) (PhotoVerdict, error) {
	if len(img) == 0 {
		return PhotoVerdict{Acceptable: false, Verdict: "empty_image"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: img},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_FACE_DETECTION, MaxResults: 5},
		},
	}
	br := &visionpb.BatchAnnotateImagesRequest{Requests: []*visionpb.AnnotateImageRequest{req}}
	resp, err := s.visionClient.BatchAnnotateImages(ctx, br)
	if err != nil {
		return PhotoVerdict{}, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return PhotoVerdict{}, fmt.Errorf("vision returned no response for %q", fileName)
	}
	annotated := resp.Responses[0]
	if annotated.Error != nil {
		return PhotoVerdict{}, fmt.Errorf("vision error for %q: %s", fileName, annotated.Error.Message)
	}

	faces := annotated.FaceAnnotations
	switch {
	case len(faces) == 0:
		return PhotoVerdict{Acceptable: false, Verdict: "no_face_detected"}, nil
	case len(faces) > 1:
		return PhotoVerdict{Acceptable: false, Verdict: "multiple_faces", Confidence: float64(faces[0].DetectionConfidence)}, nil
	}

	face := faces[0]
	confidence := float64(face.DetectionConfidence)
	if confidence < s.minConfidence {
		return PhotoVerdict{Acceptable: false, Verdict: "low_confidence", Confidence: confidence}, nil
	}
	if likelihoodAtLeast(face.BlurredLikelihood, visionpb.Likelihood_LIKELY) {
		return PhotoVerdict{Acceptable: false, Verdict: "blurred", Confidence: confidence}, nil
	}
	if likelihoodAtLeast(face.UnderExposedLikelihood, visionpb.Likelihood_LIKELY) {
		return PhotoVerdict{Acceptable: false, Verdict: "underexposed", Confidence: confidence}, nil
	}

	return PhotoVerdict{Acceptable: true, Verdict: "ok", Confidence: confidence}, nil
}

func likelihoodAtLeast(v visionpb.Likelihood, threshold visionpb.Likelihood) bool {
	return v >= threshold && v != visionpb.Likelihood_UNKNOWN
}
