// Package storage uploads call artifacts (summaries, recordings) to object
// storage.
package storage

import (
	"bytes"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

// Uploader stores one object under key.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Supabase uploads to a Supabase storage bucket.
type Supabase struct {
	client *supabase.Client
	bucket string
}

func NewSupabase(config Config) (*Supabase, error) {
	if config.URL == "" || config.ServiceRoleKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("missing Supabase bucket")
	}
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Supabase{client: client, bucket: config.Bucket}, nil
}

func (s *Supabase) Bucket() string { return s.bucket }

func (s *Supabase) Upload(key, contentType string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("refusing to upload empty object %s", key)
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload %s (%s) to Supabase: %w", key, contentType, err)
	}
	return nil
}
