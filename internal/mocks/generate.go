// Package mocks provides mock implementations for testing the job engine.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRunRepository(ctrl)
//	mockRepo.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(result, nil)
package mocks

// Generate mock for JobRunRepository interface from internal/core package.
// This creates MockJobRunRepository with methods for all JobRunRepository interface methods:
// Enqueue, GetByID, List, Stats, ClaimNextDue, Complete, FailRetryable, FailPermanent, Retry, WaitForNotification
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_run_repository_mock.go github.com/quantfolio/jobs-api/internal/core JobRunRepository

// Generate mock for ReaperRepository interface from internal/core package.
// This creates MockReaperRepository with methods for all ReaperRepository interface methods:
// ReapStalled, DeleteOldRuns
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=reaper_repository_mock.go github.com/quantfolio/jobs-api/internal/core ReaperRepository

// Generate mock for CacheRepository interface from internal/core package.
// This creates MockCacheRepository with methods for all CacheRepository interface methods:
// Set, Get, Delete, Health
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=cache_repository_mock.go github.com/quantfolio/jobs-api/internal/core CacheRepository
