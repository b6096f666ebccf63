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
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretARNPrefix marks credential material that is a pointer into AWS
// Secrets Manager rather than the key itself.
const secretARNPrefix = "secret-arn:"

// SecretFetcher resolves an external secret reference to its value.
type SecretFetcher interface {
	Fetch(ctx context.Context, ref string) (string, error)
}

// SecretsManagerFetcher fetches secret values from AWS Secrets Manager.
type SecretsManagerFetcher struct {
	client *secretsmanager.Client
}

// NewSecretsManagerFetcher builds a fetcher from the default AWS config
// chain.
func NewSecretsManagerFetcher(ctx context.Context, region string) (*SecretsManagerFetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Secrets Manager: %w", err)
	}
	return &SecretsManagerFetcher{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

func (f *SecretsManagerFetcher) Fetch(ctx context.Context, ref string) (string, error) {
	out, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &ref,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", ref)
	}
	return *out.SecretString, nil
}

// isSecretRef reports whether the material is an external reference.
func isSecretRef(material string) bool {
	return strings.HasPrefix(material, secretARNPrefix)
}

// resolveMaterial dereferences secret-arn material through the fetcher;
// plain material passes through unchanged.
func resolveMaterial(ctx context.Context, fetcher SecretFetcher, material string) (string, error) {
	if !isSecretRef(material) {
		return material, nil
	}
	if fetcher == nil {
		return "", fmt.Errorf("credential references an external secret but no secret fetcher is configured")
	}
	return fetcher.Fetch(ctx, strings.TrimPrefix(material, secretARNPrefix))
}
