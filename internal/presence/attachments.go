package presence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AttachmentStore offloads oversized inline attachments to MinIO. A join
// or message payload carrying an "attachment" string above the threshold
// is stored as an object and rewritten to an "attachment_url" reference,
// so large blobs never ride through the pub/sub fan-out path.
type AttachmentStore struct {
	client    *minio.Client
	bucket    string
	threshold int
}

// NewAttachmentStore connects to MinIO and ensures the bucket exists.
func NewAttachmentStore(endpoint, accessKey, secretKey, bucket string, threshold int) (*AttachmentStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &AttachmentStore{client: client, bucket: bucket, threshold: threshold}, nil
}

// Offload rewrites payload in place if its "attachment" field exceeds the
// threshold: the blob is uploaded under attachments/<topic>/<uuid> and the
// field is replaced by an "attachment_url" reference. Payloads without an
// oversized attachment pass through untouched.
func (s *AttachmentStore) Offload(ctx context.Context, topic string, payload map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := payload["attachment"].(string)
	if !ok || len(raw) <= s.threshold {
		return payload, nil
	}

	objectName := fmt.Sprintf("attachments/%s/%s", topic, uuid.NewString())
	reader := bytes.NewReader([]byte(raw))
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return payload, fmt.Errorf("failed to upload attachment: %w", err)
	}

	url := fmt.Sprintf("http://%s/%s/%s", s.client.EndpointURL().Host, s.bucket, objectName)

	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	delete(out, "attachment")
	out["attachment_url"] = url
	return out, nil
}
