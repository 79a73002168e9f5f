package neo4j

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/record"
)

func TestCreateEdgesCypher(t *testing.T) {
	tests := []struct {
		kind graph.EdgeKind
		want []string
	}{
		{graph.EdgeFollows, []string{"MATCH (a:Memory {dataset: $dataset, id: e.from})", "MATCH (b:Memory {dataset: $dataset, id: e.to})", "CREATE (a)-[:FOLLOWS]->(b)"}},
		{graph.EdgeHasTag, []string{"(b:Tag {dataset: $dataset, name: e.to})", "[:HAS_TAG]"}},
		{graph.EdgeCommittedTo, []string{"(b:Repository {dataset: $dataset, name: e.to})"}},
		{graph.EdgeAuthored, []string{"(a:Author {dataset: $dataset, name: e.from})", "(b:Memory {dataset: $dataset, id: e.to})"}},
		{graph.EdgePotentialCause, []string{"[:POTENTIAL_CAUSE]"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := createEdgesCypher(tt.kind)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, "UNWIND $edges AS e"))
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}

	_, err := createEdgesCypher("LIKES")
	assert.True(t, dmerrors.Is(err, dmerrors.ErrInvalidRequest))
}

func TestCreateNodesCypher(t *testing.T) {
	got, err := createNodesCypher(graph.NodeTag)
	require.NoError(t, err)
	assert.Contains(t, got, "MERGE (:Tag {dataset: $dataset, name: key})")

	_, err = createNodesCypher(graph.NodeRecord)
	assert.Error(t, err)
}

func TestDistributionCypher(t *testing.T) {
	q := distributionCypher()
	for _, f := range record.LabelFields {
		assert.Contains(t, q, "['"+f+"', m."+f+"]")
	}
	assert.Contains(t, q, "RETURN field, value, count(*) AS n")
}

func TestOrphansCypher(t *testing.T) {
	assert.Contains(t, orphansCypher, "NOT (m)-[:HAS_TAG]->()")
	assert.Contains(t, orphansCypher, "NOT (m)-[:FOLLOWS]-()")
}

func TestRecordRow(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	row := recordRow("dev", &record.Record{
		ID:          "git_1",
		ContentType: record.ContentGitCommit,
		CreatedAt:   at,
		CommitType:  "feature",
		Tags:        []string{"git-commit"},
		Commit:      &record.CommitInfo{Repository: "devmem", Hash: "1", LinesAdded: 3},
	})
	assert.Equal(t, "dev", row["dataset"])
	assert.Equal(t, "git_commit", row["content_type"])
	assert.Equal(t, at.UTC(), row["created_at"])
	assert.Equal(t, "feature", row["commit_type"])
	assert.Equal(t, int64(3), row["lines_added"])
	assert.NotContains(t, row, "tags")

	bare := recordRow("dev", &record.Record{ID: "m1"})
	assert.NotContains(t, bare, "created_at")
	assert.NotContains(t, bare, "commit_type")
	assert.NotContains(t, bare, "repository")
}
