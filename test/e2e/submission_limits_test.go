// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // Standard practice for Ginkgo
	. "github.com/onsi/gomega"    //nolint:staticcheck // Standard practice for Gomega
)

var _ = Describe("Submission rate limiting", Label("ratelimit"), func() {
	var (
		s     *stack
		grant tokenGrant
	)

	BeforeEach(func() {
		s = startStack(withRateLimit(3, time.Minute))
		p := s.registerPatient("Max", "Mustermann", "1990-01-15")
		code := s.authorize(p.ID, p.DateOfBirth, pkceChallenge, "rate-state")
		grant = s.exchangeCode(code, pkceVerifier)
	})

	AfterEach(func() {
		s.Close()
	})

	It("admits the budget and rejects the next request with Retry-After", func() {
		for i := 1; i <= 3; i++ {
			res := s.submit(grant.AccessToken, fmt.Sprintf("budget-key-%d", i), ecgBundle)
			Expect(res.StatusCode).To(Equal(http.StatusCreated), "submission %d failed: %s", i, res.Body)
		}

		res := s.submit(grant.AccessToken, "budget-key-4", ecgBundle)
		Expect(res.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(string(res.Body)).To(ContainSubstring("rate_limit_exceeded"))

		retryAfter, err := strconv.Atoi(res.Header.Get("Retry-After"))
		Expect(err).ToNot(HaveOccurred())
		Expect(retryAfter).To(BeNumerically(">=", 1))
		Expect(retryAfter).To(BeNumerically("<=", 60))

		// The rejected submission must not have reached the emitter.
		Expect(s.exchangeFiles()).To(HaveLen(3))
	})
})
