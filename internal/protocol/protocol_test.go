package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDroppable(t *testing.T) {
	assert.True(t, Droppable(TypeASRPartial))
	assert.True(t, Droppable(TypeMTPartial))

	for _, typ := range []string{
		TypeASRFinal, TypeMTFinal, TypeStatus, TypeWelcome,
		TypeServerHeartbeat, TypeServerError, TypeSnapshot, TypeSessionAck,
	} {
		assert.False(t, Droppable(typ), typ)
	}
}

func TestSequenced(t *testing.T) {
	for _, typ := range []string{
		TypeWelcome, TypeASRPartial, TypeASRFinal, TypeMTPartial, TypeMTFinal, TypeStatus,
	} {
		assert.True(t, Sequenced(typ), typ)
	}
	for _, typ := range []string{
		TypeServerHeartbeat, TypeSystemHeartbeat, TypeSystemMetrics,
		TypeServerError, TypeServerAck, TypeSnapshot, TypeSessionNew, TypeSessionAck, TypeQueueDrop,
	} {
		assert.False(t, Sequenced(typ), typ)
	}
}

func TestCommitTypeFor(t *testing.T) {
	assert.Equal(t, CommitTranscript, CommitTypeFor(TypeASRFinal))
	assert.Equal(t, CommitTranslation, CommitTypeFor(TypeMTFinal))
	assert.Equal(t, CommitStatus, CommitTypeFor(TypeStatus))
	assert.Equal(t, "", CommitTypeFor(TypeASRPartial))
	assert.Equal(t, "", CommitTypeFor(TypeServerHeartbeat))
}

func TestIsClientType(t *testing.T) {
	assert.True(t, IsClientType(TypeClientHello))
	assert.True(t, IsClientType(TypeSessionResume))
	assert.False(t, IsClientType(TypeWelcome))
	assert.False(t, IsClientType(""))
}
