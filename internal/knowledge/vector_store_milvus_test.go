package knowledge

import (
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMilvusExpr(t *testing.T) {
	assert.Equal(t, `user_id == "7"`, milvusExpr(Filter{UserID: "7"}))
	assert.Equal(t, `user_id == "7" && knowledge_id == "abc"`, milvusExpr(Filter{UserID: "7", KnowledgeID: "abc"}))
	assert.Equal(t, `knowledge_id == "a\"b"`, milvusExpr(Filter{KnowledgeID: `a"b`}))
	assert.Equal(t, `id != ""`, milvusExpr(Filter{}))
}

func TestRecordsFromColumns(t *testing.T) {
	columns := []entity.Column{
		entity.NewColumnVarChar(milvusFieldID, []string{"k_0", "k_1"}),
		entity.NewColumnVarChar(milvusFieldKnowledgeID, []string{"k", "k"}),
		entity.NewColumnVarChar(milvusFieldUserID, []string{"7", "7"}),
		entity.NewColumnInt64(milvusFieldOrdinal, []int64{0, 1}),
		entity.NewColumnVarChar(milvusFieldText, []string{"alpha", "beta"}),
		entity.NewColumnJSONBytes(milvusFieldMetadata, [][]byte{[]byte(`{"page":2}`), []byte(`not json`)}),
	}

	records := recordsFromColumns(columns, 2)
	require.Len(t, records, 2)
	assert.Equal(t, ChunkRecord{ID: "k_0", KnowledgeID: "k", UserID: "7", Ordinal: 0, Text: "alpha", Metadata: map[string]interface{}{"page": float64(2)}}, records[0])
	assert.Equal(t, 1, records[1].Ordinal)
	assert.Nil(t, records[1].Metadata)
}

func TestMilvusFitDimension(t *testing.T) {
	s := &milvusVectorStore{dimension: 3}
	assert.Equal(t, []float32{1, 2, 0}, s.fitDimension([]float32{1, 2}))
	assert.Equal(t, []float32{1, 2, 3}, s.fitDimension([]float32{1, 2, 3, 4}))
}
