package services

import (
	"time"

	"peercall/internal/core/domain"
)

type nopMetrics struct{}

func (nopMetrics) NegotiationStarted(string)                    {}
func (nopMetrics) NegotiationSettled(time.Duration)             {}
func (nopMetrics) NegotiationFailed(string)                     {}
func (nopMetrics) SignalSent(domain.SignalKind)                 {}
func (nopMetrics) SignalReceived(domain.SignalKind)             {}
func (nopMetrics) AnnouncementSent(domain.AnnouncementKind)     {}
func (nopMetrics) AnnouncementReceived(domain.AnnouncementKind) {}
func (nopMetrics) AnnouncementDropped(domain.AnnouncementKind)  {}
func (nopMetrics) ProtocolViolation(string)                     {}
func (nopMetrics) ConnectionStateChanged(string)                {}
func (nopMetrics) RTPReceived(domain.MediaKind, int)            {}
