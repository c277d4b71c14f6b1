// Package mocks provides test doubles for the companieshouse client.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	companieshouse "github.com/sells-group/listings-cli/pkg/companieshouse"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchCompanies provides a mock function with given fields: ctx, query, itemsPerPage
func (_m *MockClient) SearchCompanies(ctx context.Context, query string, itemsPerPage int) ([]companieshouse.SearchItem, error) {
	ret := _m.Called(ctx, query, itemsPerPage)

	if len(ret) == 0 {
		panic("no return value specified for SearchCompanies")
	}

	var r0 []companieshouse.SearchItem
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, int) ([]companieshouse.SearchItem, error)); ok {
		return rf(ctx, query, itemsPerPage)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]companieshouse.SearchItem)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// GetCompany provides a mock function with given fields: ctx, number
func (_m *MockClient) GetCompany(ctx context.Context, number string) (*companieshouse.Company, error) {
	ret := _m.Called(ctx, number)

	if len(ret) == 0 {
		panic("no return value specified for GetCompany")
	}

	var r0 *companieshouse.Company
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*companieshouse.Company, error)); ok {
		return rf(ctx, number)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*companieshouse.Company)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
