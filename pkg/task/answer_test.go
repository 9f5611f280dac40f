// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package task

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	vimtypes "github.com/vmware/govmomi/vim25/types"
)

func uuidAlteredQuestion() *vimtypes.VirtualMachineQuestionInfo {
	return &vimtypes.VirtualMachineQuestionInfo{
		Id:   "212",
		Text: "This virtual machine might have been moved or copied.",
		Choice: vimtypes.ChoiceOption{
			ChoiceInfo: []vimtypes.BaseElementDescription{
				&vimtypes.ElementDescription{
					Description: vimtypes.Description{Label: "Cancel"},
					Key:         "0",
				},
				&vimtypes.ElementDescription{
					Description: vimtypes.Description{Label: "I Moved It"},
					Key:         "1",
				},
				&vimtypes.ElementDescription{
					Description: vimtypes.Description{Label: "I Copied It"},
					Key:         "2",
				},
			},
		},
		Message: []vimtypes.VirtualMachineMessage{{Id: "msg.uuid.altered"}},
	}
}

var _ = Describe("lookupAnswer", func() {
	It("matches a declared choice key", func() {
		w := &Waiter{Answers: AnswerTable{
			"212": {"msg.uuid.altered": "1"},
		}}
		choice, ok := w.lookupAnswer(uuidAlteredQuestion())
		Expect(ok).To(BeTrue())
		Expect(choice).To(Equal("1"))
	})

	It("matches a declared choice label and returns its key", func() {
		w := &Waiter{Answers: AnswerTable{
			"212": {"msg.uuid.altered": "I Copied It"},
		}}
		choice, ok := w.lookupAnswer(uuidAlteredQuestion())
		Expect(ok).To(BeTrue())
		Expect(choice).To(Equal("2"))
	})

	It("falls back to the catch-all question id", func() {
		w := &Waiter{Answers: AnswerTable{
			"": {"msg.uuid.altered": "I Moved It"},
		}}
		choice, ok := w.lookupAnswer(uuidAlteredQuestion())
		Expect(ok).To(BeTrue())
		Expect(choice).To(Equal("1"))
	})

	It("prefers the specific question table over the catch-all", func() {
		w := &Waiter{Answers: AnswerTable{
			"212": {"msg.uuid.altered": "I Moved It"},
			"":    {"msg.uuid.altered": "Cancel"},
		}}
		choice, ok := w.lookupAnswer(uuidAlteredQuestion())
		Expect(ok).To(BeTrue())
		Expect(choice).To(Equal("1"))
	})

	It("reports no match for an undeclared message", func() {
		w := &Waiter{Answers: AnswerTable{
			"212": {"msg.other": "Cancel"},
		}}
		_, ok := w.lookupAnswer(uuidAlteredQuestion())
		Expect(ok).To(BeFalse())
	})

	It("reports no match without a table", func() {
		w := &Waiter{}
		_, ok := w.lookupAnswer(uuidAlteredQuestion())
		Expect(ok).To(BeFalse())
	})
})
