package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
)

// Storage is the interface of audit record backends.
type Storage interface {
	Store(record Record) error
}

// StdoutStorage writes audit records to standard output as JSON lines.
type StdoutStorage struct{}

func (s *StdoutStorage) Store(record Record) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshalling the audit record: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

// ElasticStorage indexes audit records into Elasticsearch.
type ElasticStorage struct {
	ES    *elasticsearch.Client
	Index string
}

const defaultIndex = "memoproxy-requests"

func (s *ElasticStorage) Store(record Record) error {
	index := s.Index
	if index == "" {
		index = defaultIndex
	}

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshalling the audit record: %w", err)
	}

	res, err := s.ES.Index(index, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("indexing the audit record: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("error response from Elasticsearch: %s", res.String())
	}
	return nil
}
