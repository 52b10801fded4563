// Package mocks provides test doubles for the provider interfaces.
package mocks

import (
	"context"
	"time"

	mock "github.com/stretchr/testify/mock"

	leads "github.com/sells-group/outreach-engine/internal/leads"
	model "github.com/sells-group/outreach-engine/internal/model"
	provider "github.com/sells-group/outreach-engine/internal/provider"
)

// MockSourcer is a mock type for the Sourcer interface.
type MockSourcer struct {
	mock.Mock
}

// SourceLeads provides a mock function with given fields: ctx, query
func (_m *MockSourcer) SourceLeads(ctx context.Context, query string) ([]leads.RawLead, error) {
	ret := _m.Called(ctx, query)

	if len(ret) == 0 {
		panic("no return value specified for SourceLeads")
	}

	var r0 []leads.RawLead
	if rf, ok := ret.Get(0).(func(context.Context, string) []leads.RawLead); ok {
		r0 = rf(ctx, query)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]leads.RawLead)
	}
	return r0, ret.Error(1)
}

// NewMockSourcer creates a new instance of MockSourcer.
func NewMockSourcer(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockSourcer {
	m := &MockSourcer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockSender is a mock type for the Sender interface.
type MockSender struct {
	mock.Mock
}

// SendMessage provides a mock function with given fields: ctx, accountID, msg, to
func (_m *MockSender) SendMessage(ctx context.Context, accountID string, msg model.Message, to provider.Recipient) (provider.SendResult, error) {
	ret := _m.Called(ctx, accountID, msg, to)

	if len(ret) == 0 {
		panic("no return value specified for SendMessage")
	}

	var r0 provider.SendResult
	if rf, ok := ret.Get(0).(func(context.Context, string, model.Message, provider.Recipient) provider.SendResult); ok {
		r0 = rf(ctx, accountID, msg, to)
	} else {
		r0 = ret.Get(0).(provider.SendResult)
	}
	return r0, ret.Error(1)
}

// NewMockSender creates a new instance of MockSender.
func NewMockSender(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockSender {
	m := &MockSender{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockReplyPoller is a mock type for the ReplyPoller interface.
type MockReplyPoller struct {
	mock.Mock
}

// PollReplies provides a mock function with given fields: ctx, mailbox, since
func (_m *MockReplyPoller) PollReplies(ctx context.Context, mailbox string, since time.Time) ([]provider.Inbound, error) {
	ret := _m.Called(ctx, mailbox, since)

	if len(ret) == 0 {
		panic("no return value specified for PollReplies")
	}

	var r0 []provider.Inbound
	if rf, ok := ret.Get(0).(func(context.Context, string, time.Time) []provider.Inbound); ok {
		r0 = rf(ctx, mailbox, since)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]provider.Inbound)
	}
	return r0, ret.Error(1)
}

// NewMockReplyPoller creates a new instance of MockReplyPoller.
func NewMockReplyPoller(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockReplyPoller {
	m := &MockReplyPoller{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockCredentialTester is a mock type for the CredentialTester interface.
type MockCredentialTester struct {
	mock.Mock
}

// TestCredentials provides a mock function with given fields: ctx, account, scope
func (_m *MockCredentialTester) TestCredentials(ctx context.Context, account string, scope provider.Scope) error {
	ret := _m.Called(ctx, account, scope)

	if len(ret) == 0 {
		panic("no return value specified for TestCredentials")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, provider.Scope) error); ok {
		return rf(ctx, account, scope)
	}
	return ret.Error(0)
}

// NewMockCredentialTester creates a new instance of MockCredentialTester.
func NewMockCredentialTester(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockCredentialTester {
	m := &MockCredentialTester{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
