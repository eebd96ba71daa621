package relay

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/storagerelay/internal/models"
)

// Serializer converts repository records to and from their stored form
type Serializer interface {
	Marshal(record *models.RepositoryRecord) ([]byte, error)
	Unmarshal(data []byte) (*models.RepositoryRecord, error)
}

// JSONSerializer stores repository records as JSON
type JSONSerializer struct{}

// Marshal implements Serializer
func (JSONSerializer) Marshal(record *models.RepositoryRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal repository: %w", err)
	}
	return data, nil
}

// Unmarshal implements Serializer
func (JSONSerializer) Unmarshal(data []byte) (*models.RepositoryRecord, error) {
	var record models.RepositoryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repository: %w", err)
	}
	return &record, nil
}
