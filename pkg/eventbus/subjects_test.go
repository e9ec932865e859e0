package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectBuilders(t *testing.T) {
	assert.Equal(t, "commerce.v1.lifecycle.user.registered", LifecycleSubject(EventUserRegistered))
	assert.Equal(t, "commerce.v1.lifecycle.>", LifecycleWildcard())
	assert.Equal(t, "commerce.v1.saga.step.cart.provision_cart", StepSubject("cart", "provision_cart"))
	assert.Equal(t, "commerce.v1.saga.feedback", FeedbackSubject())
	assert.Equal(t, "commerce.v1.saga.status.saga.completed", StatusSubject(EventSagaCompleted))
	assert.Equal(t, "commerce.v1.saga.deadletter", DeadLetterSubject())
}

func TestSubjectBuilders_EmptySegments(t *testing.T) {
	assert.Equal(t, "commerce.v1.saga.step.unknown.unknown", StepSubject("", ""))
	assert.Equal(t, "commerce.v1.lifecycle.unknown", LifecycleSubject(""))
}

func TestAMQPBindingKey(t *testing.T) {
	assert.Equal(t, "commerce.v1.lifecycle.#", amqpBindingKey("commerce.v1.lifecycle.>"))
	assert.Equal(t, "commerce.v1.saga.feedback", amqpBindingKey("commerce.v1.saga.feedback"))
	assert.Equal(t, "commerce.v1.*.feedback", amqpBindingKey("commerce.v1.*.feedback"))
}

func TestRedisPattern(t *testing.T) {
	assert.Equal(t, "commerce.v1.lifecycle.*", redisPattern("commerce.v1.lifecycle.>"))
	assert.Equal(t, "commerce.v1.saga.feedback", redisPattern("commerce.v1.saga.feedback"))
}
