package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocr-client/internal/processor"
)

// TaskTypeProcess is the asynq task type for OCR jobs.
const TaskTypeProcess = "ocr:process"

// JobData is the task payload.
type JobData struct {
	JobID      string                 `json:"jobId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer either as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}), which is what producers
// outside Go send.
func (j *JobData) UnmarshalJSON(data []byte) error {
	type alias JobData
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*alias
	}{
		alias: (*alias)(j),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		j.FileBuffer = decoded

	case map[string]interface{}:
		if t, _ := v["type"].(string); t != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		values, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		j.FileBuffer = make([]byte, len(values))
		for i, val := range values {
			b, ok := val.(float64)
			if !ok || b < 0 || b > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			j.FileBuffer[i] = byte(b)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// request converts the payload for the processor.
func (j *JobData) request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      j.JobID,
		Filename:   j.Filename,
		MimeType:   j.MimeType,
		FileSize:   j.FileSize,
		FileURL:    j.FileURL,
		FileBuffer: j.FileBuffer,
		Metadata:   j.Metadata,
	}
}

// NewProcessTask builds an ocr:process task, assigning a job ID if the job
// has none.
func NewProcessTask(job *JobData, opts ...asynq.Option) (*asynq.Task, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	} else if _, err := uuid.Parse(job.JobID); err != nil {
		return nil, fmt.Errorf("job ID %q is not a UUID: %w", job.JobID, err)
	}

	if len(job.FileBuffer) == 0 && job.FileURL == "" {
		return nil, fmt.Errorf("job %s has neither fileBuffer nor fileUrl", job.JobID)
	}
	if job.FileSize == 0 {
		job.FileSize = int64(len(job.FileBuffer))
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}

	opts = append([]asynq.Option{asynq.TaskID(job.JobID)}, opts...)
	return asynq.NewTask(TaskTypeProcess, payload, opts...), nil
}
