// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"net/http"
	"net/url"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // Standard practice for Ginkgo
	. "github.com/onsi/gomega"    //nolint:staticcheck // Standard practice for Gomega
)

var _ = Describe("Token lifecycle", Label("tokens"), func() {
	var (
		s *stack
		p patient
	)

	BeforeEach(func() {
		s = startStack()
		p = s.registerPatient("Erika", "Musterfrau", "1985-07-22")
	})

	AfterEach(func() {
		s.Close()
	})

	It("rotates refresh tokens and rejects reuse of the consumed one", func() {
		code := s.authorize(p.ID, p.DateOfBirth, pkceChallenge, "rotation-state")
		first := s.exchangeCode(code, pkceVerifier)

		second := s.refreshTokens(first.RefreshToken)
		Expect(second.AccessToken).ToNot(BeEmpty())
		Expect(second.RefreshToken).ToNot(BeEmpty())
		Expect(second.RefreshToken).ToNot(Equal(first.RefreshToken))

		claims := decodeJWTPayload(second.AccessToken)
		Expect(claims["sub"]).To(Equal(p.ID))

		res := s.postToken(url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {first.RefreshToken},
		})
		Expect(res.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(string(res.Body)).To(ContainSubstring("invalid_grant"))
	})

	It("rejects refresh with a revoked token", func() {
		code := s.authorize(p.ID, p.DateOfBirth, pkceChallenge, "revocation-state")
		grant := s.exchangeCode(code, pkceVerifier)

		s.revoke(grant.RefreshToken)

		res := s.postToken(url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {grant.RefreshToken},
		})
		Expect(res.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(string(res.Body)).To(ContainSubstring("invalid_grant"))
	})

	It("rejects a code exchanged with the wrong PKCE verifier", func() {
		code := s.authorize(p.ID, p.DateOfBirth, pkceChallenge, "mismatch-state")

		res := s.postToken(url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
			"client_id":     {testClientID},
		})
		Expect(res.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(string(res.Body)).To(ContainSubstring("invalid_grant"))
	})
})
