package reload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnectivity implements Connectivity for tests, returning a
// canned error per database name.
type fakeConnectivity struct {
	fail  map[string]error
	calls []string
}

func (f *fakeConnectivity) Probe(ctx context.Context, db DatabaseConfig) error {
	f.calls = append(f.calls, db.Name)
	if err, ok := f.fail[db.Name]; ok {
		return err
	}
	return nil
}

func newTestPipeline(conn Connectivity) *ValidationPipeline {
	store := NewSnapshotStore(10)
	return NewValidationPipeline(nil, store, WithConnectivity(conn), WithAggregateTimeout(2*time.Second))
}

func TestValidationPipeline_SyntaxCatchesPathWithoutLeadingSlash(t *testing.T) {
	p := newTestPipeline(&fakeConnectivity{})
	delta := NewConfigurationDelta()
	delta.Endpoints.Added["bad"] = EndpointConfig{Name: "bad", Path: "no-leading-slash", Method: "GET", Query: "q1"}

	result := p.Run(context.Background(), delta, NewConfigurationSet())
	assert.False(t, result.Valid())
	assert.True(t, result.Stages["syntax"].HasErrors())
}

func TestValidationPipeline_DependenciesShortCircuitsConnectivity(t *testing.T) {
	conn := &fakeConnectivity{}
	p := newTestPipeline(conn)

	proposed := NewConfigurationSet()
	proposed.Queries["q_bad"] = QueryConfig{Name: "q_bad", Database: "missing", SQL: "select 1"}

	delta := NewConfigurationDelta()
	delta.Queries.Added["q_bad"] = proposed.Queries["q_bad"]

	result := p.Run(context.Background(), delta, proposed)
	require.False(t, result.Valid())
	assert.True(t, result.Stages["dependencies"].HasErrors())
	_, ranConnectivity := result.Stages["connectivity"]
	assert.False(t, ranConnectivity, "connectivity stage must be skipped when dependencies stage errors")
	assert.Empty(t, conn.calls)
}

func TestValidationPipeline_ConnectivityAndHealthRunIndependently(t *testing.T) {
	conn := &fakeConnectivity{fail: map[string]error{"baddb": errors.New("dial refused")}}
	p := newTestPipeline(conn)

	proposed := NewConfigurationSet()
	proposed.Databases["baddb"] = DatabaseConfig{Name: "baddb", URL: "postgres://bad", Driver: "postgres"}
	proposed.Databases["gooddb"] = DatabaseConfig{Name: "gooddb", URL: "postgres://good", Driver: "postgres"}
	proposed.Queries["q1"] = QueryConfig{Name: "q1", Database: "gooddb", SQL: "select 1"}
	proposed.Endpoints["e1"] = EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "q1"}

	delta := NewConfigurationDelta()
	delta.Databases.Added["baddb"] = proposed.Databases["baddb"]
	delta.Databases.Added["gooddb"] = proposed.Databases["gooddb"]
	delta.Endpoints.Added["e1"] = proposed.Endpoints["e1"]

	result := p.Run(context.Background(), delta, proposed)
	require.False(t, result.Valid())
	assert.True(t, result.Stages["connectivity"].HasErrors())
	// endpointHealth stage still ran and found no errors of its own, even
	// though connectivity failed.
	assert.False(t, result.Stages["endpointHealth"].HasErrors())
}

func TestValidationPipeline_EndpointHealthCatchesMissingQuery(t *testing.T) {
	p := newTestPipeline(&fakeConnectivity{})

	proposed := NewConfigurationSet()
	proposed.Endpoints["e1"] = EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "missing_query"}

	delta := NewConfigurationDelta()
	delta.Endpoints.Added["e1"] = proposed.Endpoints["e1"]

	result := p.Run(context.Background(), delta, proposed)
	require.False(t, result.Valid())
	// Within Run the dependencies stage reports the missing query first and
	// stages 3-4 are skipped, so the endpointHealth stage is run directly.
	health := p.runEndpointHealth(delta, proposed)
	assert.True(t, health.HasErrors())
}

func TestValidationPipeline_AllStagesPass(t *testing.T) {
	p := newTestPipeline(&fakeConnectivity{})

	proposed := NewConfigurationSet()
	proposed.Databases["db1"] = DatabaseConfig{Name: "db1", URL: "postgres://db1", Driver: "postgres"}
	proposed.Queries["q1"] = QueryConfig{Name: "q1", Database: "db1", SQL: "select 1"}
	proposed.Endpoints["e1"] = EndpointConfig{Name: "e1", Path: "/e1", Method: "GET", Query: "q1"}

	delta := NewConfigurationDelta()
	delta.Databases.Added["db1"] = proposed.Databases["db1"]
	delta.Queries.Added["q1"] = proposed.Queries["q1"]
	delta.Endpoints.Added["e1"] = proposed.Endpoints["e1"]

	result := p.Run(context.Background(), delta, proposed)
	assert.True(t, result.Valid())
	assert.Len(t, result.Stages, 4)
}
