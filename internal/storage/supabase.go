// Package storage archives call recordings to object storage.
package storage

import (
	"bytes"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Configured reports whether uploads can be attempted.
func (c Config) Configured() bool {
	return c.URL != "" && c.ServiceRoleKey != "" && c.Bucket != ""
}

// Supabase uploads objects to one Supabase Storage bucket.
type Supabase struct {
	client *supabase.Client
	bucket string
}

func NewSupabase(config Config) (*Supabase, error) {
	if !config.Configured() {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY and SUPABASE_BUCKET required")
	}
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Supabase{
		client: client,
		bucket: config.Bucket,
	}, nil
}

// Upload stores data under key. The bucket infers the content type from the
// key's extension.
func (s *Supabase) Upload(key, _ string, data []byte) error {
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}
