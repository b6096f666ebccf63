// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"axonflow/engine/shared/logger"
)

const (
	// DefaultConnectTimeout is the default connection timeout
	DefaultConnectTimeout = 10 * time.Second

	// DefaultMaxPoolSize is the default maximum connection pool size
	DefaultMaxPoolSize = 100

	credentialsCollection = "credentials"
	policiesCollection    = "access_policies"
)

// Store is the persistence surface the resolver depends on.
type Store interface {
	// GetCredential returns the credential for (userID, providerID), or
	// ErrNotFound.
	GetCredential(ctx context.Context, userID, providerID string) (*Credential, error)

	// PutCredential inserts or replaces a credential.
	PutCredential(ctx context.Context, cred *Credential) error

	// SetStatus updates the lifecycle status of a credential.
	SetStatus(ctx context.Context, userID, providerID string, status Status) error

	// TouchValidated records a successful validation timestamp.
	TouchValidated(ctx context.Context, userID, providerID string, at time.Time) error

	// GetPolicy returns the access policy for a user, or ErrNotFound.
	GetPolicy(ctx context.Context, userID string) (*AccessPolicy, error)

	// PutPolicy inserts or replaces an access policy.
	PutPolicy(ctx context.Context, policy *AccessPolicy) error
}

// MongoStore persists credentials and access policies to a document
// store under the credentials and access_policies collections.
type MongoStore struct {
	database *mongo.Database
	logger   *logger.Logger
}

// NewMongoStore connects to MongoDB and returns a store bound to the
// given database name.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(DefaultMaxPoolSize).
		SetConnectTimeout(DefaultConnectTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		database: client.Database(dbName),
		logger:   logger.New("credential-store"),
	}, nil
}

// NewMongoStoreFromDatabase wraps an existing database handle.
func NewMongoStoreFromDatabase(db *mongo.Database) *MongoStore {
	return &MongoStore{
		database: db,
		logger:   logger.New("credential-store"),
	}
}

// Database exposes the underlying database handle for components that
// share the connection.
func (s *MongoStore) Database() *mongo.Database {
	return s.database
}

// EnsureIndexes creates the unique lookup indexes. Called once at boot.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.database.Collection(credentialsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create credentials index: %w", err)
	}

	_, err = s.database.Collection(policiesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create access_policies index: %w", err)
	}
	return nil
}

func (s *MongoStore) GetCredential(ctx context.Context, userID, providerID string) (*Credential, error) {
	var cred Credential
	err := s.database.Collection(credentialsCollection).
		FindOne(ctx, bson.M{"user_id": userID, "provider_id": providerID}).
		Decode(&cred)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}

func (s *MongoStore) PutCredential(ctx context.Context, cred *Credential) error {
	now := time.Now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	_, err := s.database.Collection(credentialsCollection).ReplaceOne(ctx,
		bson.M{"user_id": cred.UserID, "provider_id": cred.ProviderID},
		cred,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *MongoStore) SetStatus(ctx context.Context, userID, providerID string, status Status) error {
	res, err := s.database.Collection(credentialsCollection).UpdateOne(ctx,
		bson.M{"user_id": userID, "provider_id": providerID},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	s.logger.Info("", "credential status updated", map[string]interface{}{
		"user_id":     userID,
		"provider_id": providerID,
		"status":      string(status),
	})
	return nil
}

func (s *MongoStore) TouchValidated(ctx context.Context, userID, providerID string, at time.Time) error {
	_, err := s.database.Collection(credentialsCollection).UpdateOne(ctx,
		bson.M{"user_id": userID, "provider_id": providerID},
		bson.M{"$set": bson.M{"status": StatusValid, "last_validated_at": at, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to record validation: %w", err)
	}
	return nil
}

func (s *MongoStore) GetPolicy(ctx context.Context, userID string) (*AccessPolicy, error) {
	var policy AccessPolicy
	err := s.database.Collection(policiesCollection).
		FindOne(ctx, bson.M{"user_id": userID}).
		Decode(&policy)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access policy: %w", err)
	}
	return &policy, nil
}

func (s *MongoStore) PutPolicy(ctx context.Context, policy *AccessPolicy) error {
	policy.UpdatedAt = time.Now()
	_, err := s.database.Collection(policiesCollection).ReplaceOne(ctx,
		bson.M{"user_id": policy.UserID},
		policy,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store access policy: %w", err)
	}
	return nil
}
