package neo4j

import (
	"fmt"
	"strings"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/record"
)

const (
	clearCypher = `MATCH (n) WHERE n.dataset = $dataset
DETACH DELETE n
RETURN count(n) AS deleted`

	createRecordsCypher = `UNWIND $rows AS row
CREATE (m:Memory)
SET m = row`

	countCypher = `MATCH (m:Memory {dataset: $dataset}) RETURN count(m) AS n`

	idsCypher = `MATCH (m:Memory {dataset: $dataset}) RETURN m.id AS id ORDER BY id`

	orphansCypher = `MATCH (m:Memory {dataset: $dataset})
WHERE NOT (m)-[:HAS_TAG]->() AND NOT (m)-[:FOLLOWS]-()
RETURN m.id AS id ORDER BY id`
)

func indexCypher() []string {
	return []string{
		`CREATE INDEX memory_dataset_id IF NOT EXISTS FOR (m:Memory) ON (m.dataset, m.id)`,
		`CREATE INDEX tag_dataset_name IF NOT EXISTS FOR (n:Tag) ON (n.dataset, n.name)`,
		`CREATE INDEX repository_dataset_name IF NOT EXISTS FOR (n:Repository) ON (n.dataset, n.name)`,
		`CREATE INDEX author_dataset_name IF NOT EXISTS FOR (n:Author) ON (n.dataset, n.name)`,
	}
}

// endpoint is how an edge end is matched.
type endpoint struct {
	label graph.NodeKind
	key   string
}

var (
	recordEnd     = endpoint{graph.NodeRecord, "id"}
	tagEnd        = endpoint{graph.NodeTag, "name"}
	repositoryEnd = endpoint{graph.NodeRepository, "name"}
	authorEnd     = endpoint{graph.NodeAuthor, "name"}
)

var edgeEnds = map[graph.EdgeKind][2]endpoint{
	graph.EdgeFollows:        {recordEnd, recordEnd},
	graph.EdgePotentialCause: {recordEnd, recordEnd},
	graph.EdgeHasTag:         {recordEnd, tagEnd},
	graph.EdgeCommittedTo:    {recordEnd, repositoryEnd},
	graph.EdgeAuthored:       {authorEnd, recordEnd},
}

func createNodesCypher(kind graph.NodeKind) (string, error) {
	switch kind {
	case graph.NodeTag, graph.NodeRepository, graph.NodeAuthor:
	default:
		return "", dmerrors.NewInvalidRequest(fmt.Sprintf("unsupported node kind %q", kind))
	}
	return fmt.Sprintf(`UNWIND $keys AS key
MERGE (:%s {dataset: $dataset, name: key})`, kind), nil
}

func createEdgesCypher(kind graph.EdgeKind) (string, error) {
	ends, ok := edgeEnds[kind]
	if !ok {
		return "", dmerrors.NewInvalidRequest(fmt.Sprintf("unsupported edge kind %q", kind))
	}
	from, to := ends[0], ends[1]
	return fmt.Sprintf(`UNWIND $edges AS e
MATCH (a:%s {dataset: $dataset, %s: e.from})
MATCH (b:%s {dataset: $dataset, %s: e.to})
CREATE (a)-[:%s]->(b)`, from.label, from.key, to.label, to.key, kind), nil
}

// distributionCypher counts label values of every summarized field.
func distributionCypher() string {
	pairs := make([]string, 0, len(record.LabelFields))
	for _, f := range record.LabelFields {
		pairs = append(pairs, fmt.Sprintf("['%[1]s', m.%[1]s]", f))
	}
	return fmt.Sprintf(`MATCH (m:Memory {dataset: $dataset})
UNWIND [%s] AS kv
WITH kv[0] AS field, kv[1] AS value
WHERE value IS NOT NULL AND value <> ''
RETURN field, value, count(*) AS n`, strings.Join(pairs, ", "))
}

// recordRow is the property map of a record node. Tags are HAS_TAG edges,
// not properties.
func recordRow(dataset string, r *record.Record) map[string]any {
	row := map[string]any{
		"dataset":      dataset,
		"id":           r.ID,
		"stream":       r.Stream,
		"content":      r.Content,
		"content_type": string(r.ContentType),
		"sentiment":    string(r.Sentiment),
		"complexity":   string(r.Complexity),
		"phase":        string(r.Phase),
		"domain":       r.Domain,
	}
	if r.CommitType != "" {
		row["commit_type"] = r.CommitType
	}
	if r.HasTimestamp() {
		row["created_at"] = r.CreatedAt.UTC()
	}
	if r.Commit != nil {
		row["repository"] = r.Commit.Repository
		row["hash"] = r.Commit.Hash
		row["lines_added"] = int64(r.Commit.LinesAdded)
		row["lines_deleted"] = int64(r.Commit.LinesDeleted)
	}
	return row
}
