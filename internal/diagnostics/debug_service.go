package diagnostics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// DebugImage is a zero-detection frame kept in memory for the debug API.
type DebugImage struct {
	FrameIndex int
	Timestamp  time.Time
	ImageData  []byte // JPEG
	Report     Report
}

// DebugService keeps the most recent zero-detection frames in memory.
type DebugService struct {
	images     map[int]*DebugImage
	imagesList []*DebugImage
	maxImages  int
	mutex      sync.RWMutex
}

// NewDebugService creates a ring buffer holding up to maxImages frames.
func NewDebugService(maxImages int) *DebugService {
	if maxImages <= 0 {
		maxImages = 20
	}
	return &DebugService{
		images:     make(map[int]*DebugImage),
		imagesList: make([]*DebugImage, 0, maxImages),
		maxImages:  maxImages,
	}
}

// AddDebugImage stores a frame, replacing an entry with the same index and
// evicting the oldest entry when full.
func (s *DebugService) AddDebugImage(r Report, jpeg []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	img := &DebugImage{
		FrameIndex: r.FrameIndex,
		Timestamp:  r.Timestamp,
		ImageData:  jpeg,
		Report:     r,
	}

	if _, exists := s.images[r.FrameIndex]; exists {
		s.images[r.FrameIndex] = img
		for i, existing := range s.imagesList {
			if existing.FrameIndex == r.FrameIndex {
				s.imagesList[i] = img
				break
			}
		}
		return
	}

	s.images[r.FrameIndex] = img
	s.imagesList = append(s.imagesList, img)
	if len(s.imagesList) > s.maxImages {
		oldest := s.imagesList[0]
		delete(s.images, oldest.FrameIndex)
		s.imagesList = s.imagesList[1:]
	}
	log.Debugf("Debug image stored for frame %d", r.FrameIndex)
}

// GetLatestImages returns up to count of the newest frames, oldest first.
func (s *DebugService) GetLatestImages(count int) []*DebugImage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if count <= 0 || count > len(s.imagesList) {
		count = len(s.imagesList)
	}
	result := make([]*DebugImage, count)
	copy(result, s.imagesList[len(s.imagesList)-count:])
	return result
}

// GetImage returns the frame with the given index, or nil.
func (s *DebugService) GetImage(index int) *DebugImage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.images[index]
}

// RegisterRoutes mounts the debug API on r.
func (s *DebugService) RegisterRoutes(r gin.IRoutes) {
	r.GET("/debug/frames", s.handleGetLatestImages)
	r.GET("/debug/frames/:index", s.handleGetImage)
	r.GET("/debug/frames/:index/report", s.handleGetReport)
}

func (s *DebugService) handleGetLatestImages(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "10"))
	if err != nil {
		count = 10
	}

	images := s.GetLatestImages(count)
	type imageMetadata struct {
		FrameIndex int       `json:"frame_index"`
		Timestamp  time.Time `json:"timestamp"`
		Mean       float64   `json:"mean"`
		URL        string    `json:"url"`
	}
	metadata := make([]imageMetadata, len(images))
	for i, img := range images {
		metadata[i] = imageMetadata{
			FrameIndex: img.FrameIndex,
			Timestamp:  img.Timestamp,
			Mean:       img.Report.Stats.Mean,
			URL:        c.Request.URL.Path + "/" + strconv.Itoa(img.FrameIndex),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(metadata),
		"images": metadata,
	})
}

func (s *DebugService) lookup(c *gin.Context) *DebugImage {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frame index"})
		return nil
	}
	img := s.GetImage(index)
	if img == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "frame not found", "frame_index": index})
		return nil
	}
	return img
}

func (s *DebugService) handleGetImage(c *gin.Context) {
	img := s.lookup(c)
	if img == nil {
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", img.ImageData)
}

func (s *DebugService) handleGetReport(c *gin.Context) {
	img := s.lookup(c)
	if img == nil {
		return
	}
	c.JSON(http.StatusOK, img.Report)
}
