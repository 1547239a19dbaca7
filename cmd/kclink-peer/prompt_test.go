package main

import "github.com/kclink/kclink-go/pkg/device"

type recordingPrompter struct {
	calls []string
}

func (r *recordingPrompter) ShowPairPrompt(p device.PairPrompt) {
	r.calls = append(r.calls, "show "+p.DeviceID)
}

func (r *recordingPrompter) WithdrawPairPrompt(deviceID string) {
	r.calls = append(r.calls, "withdraw "+deviceID)
}

func promptFor(id string) device.PairPrompt {
	return device.PairPrompt{DeviceID: id, DeviceName: id}
}
