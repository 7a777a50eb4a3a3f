// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // Standard practice for Ginkgo
	. "github.com/onsi/gomega"    //nolint:staticcheck // Standard practice for Gomega

	"github.com/stacklok/healthbridge/pkg/gateway/forward"
	gatewayserver "github.com/stacklok/healthbridge/pkg/gateway/server"
)

var _ = Describe("Patient submission round trip", Label("flow"), func() {
	var s *stack

	BeforeEach(func() {
		s = startStack()
	})

	AfterEach(func() {
		s.Close()
	})

	It("registers, authenticates and delivers an observation as a GDT file", func() {
		By("registering the patient")
		p := s.registerPatient("Max", "Mustermann", "1990-01-15")
		Expect(p.ID).To(Equal("1"))

		By("running the authorization code flow")
		code := s.authorize(p.ID, "1990-01-15", pkceChallenge, "af0ifjsldkj")
		grant := s.exchangeCode(code, pkceVerifier)
		Expect(grant.TokenType).To(Equal("Bearer"))
		Expect(grant.ExpiresIn).To(Equal(900))
		Expect(grant.RefreshToken).ToNot(BeEmpty())

		claims := decodeJWTPayload(grant.AccessToken)
		Expect(claims["sub"]).To(Equal("1"))
		Expect(claims["aud"]).To(Equal("client-facing-server"))
		Expect(claims["iss"]).To(Equal("iam-server"))
		Expect(claims["scope"]).To(Equal("openid observation.write"))
		Expect(claims["given_name"]).To(Equal("Max"))
		Expect(claims["family_name"]).To(Equal("Mustermann"))

		By("submitting an ECG bundle")
		res := s.submit(grant.AccessToken, "k1", ecgBundle)
		Expect(res.StatusCode).To(Equal(http.StatusCreated), "submission failed: %s", res.Body)

		var result forward.SubmissionResult
		Expect(json.Unmarshal(res.Body, &result)).To(Succeed())
		Expect(result.Status).To(Equal(forward.StatusSuccess))
		Expect(result.TotalProcessed).To(Equal(1))
		Expect(result.Successful).To(Equal(1))
		Expect(result.Failed).To(BeZero())
		Expect(result.Results).To(HaveLen(1))
		Expect(result.Results[0].GDTFileName).ToNot(BeEmpty())

		By("replaying the same submission")
		replay := s.submit(grant.AccessToken, "k1", ecgBundle)
		Expect(replay.StatusCode).To(Equal(http.StatusOK))
		Expect(replay.Body).To(Equal(res.Body), "replay must return the cached result byte for byte")

		By("verifying the exchange file")
		files := s.exchangeFiles()
		Expect(files).To(HaveLen(1), "the replay must not write a second file")
		Expect(files[0]).To(Equal(result.Results[0].GDTFileName))

		record := string(s.readExchangeFile(files[0]))
		Expect(record).To(HavePrefix("01380006310\r\n"))
		Expect(record).To(ContainSubstring("02.10"))
		Expect(record).To(ContainSubstring("14012023"), "examination date keeps the timestamp's own offset")
		Expect(record).To(ContainSubstring("225112"), "examination time keeps the timestamp's own offset")
		Expect(record).To(ContainSubstring("11524-6"), "vendor ECG code is normalized to LOINC before emission")
		Expect(record).To(ContainSubstring("Mustermann"))

		By("reading transfer status through the gateway")
		statusRes := s.getStatus(grant.AccessToken)
		Expect(statusRes.StatusCode).To(Equal(http.StatusOK))

		var doc gatewayserver.StatusDocument
		Expect(json.Unmarshal(statusRes.Body, &doc)).To(Succeed())
		Expect(doc.HasSuccessfulTransfer).To(BeTrue())
		Expect(doc.LastSuccessfulTransfer).ToNot(BeNil())
	})
})
