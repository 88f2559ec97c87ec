package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/opc/internal/domain"
)

// CallbackHandler применяет результат расчёта платежа.
// Возвращает false, если платёж неизвестен или запись проиграла гонку.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, paymentID string, status domain.PaymentStatus, data map[string]any) (bool, error)
}

// NewCallbackConsumer создаёт consumer топика callback'ов платёжного шлюза.
// Каждое сообщение парсится в PaymentCallbackEvent и применяется через
// handler; сообщения с неизвестным платежом уходят на retry и далее в DLQ.
func NewCallbackConsumer(brokers []string, groupID string, handler CallbackHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, []string{TopicPaymentCallbacks}, newCallbackMessageHandler(handler), dlqProducer, maxRetries)
}

func newCallbackMessageHandler(handler CallbackHandler) MessageHandler {
	logger := log.WithField("component", "callback-consumer")

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParsePaymentCallbackEvent(message)
		if err != nil {
			return err
		}

		status := domain.PaymentStatus(event.Status)
		applied, err := handler.HandleCallback(ctx, event.PaymentID, status, event.Data)
		if err != nil {
			// Нетерминальный статус в callback'е — ошибка отправителя,
			// повторная доставка её не исправит.
			if errors.Is(err, domain.ErrCallbackStatusInvalid) {
				logger.WithFields(log.Fields{
					"payment_id": event.PaymentID,
					"status":     event.Status,
				}).Warn("dropping callback with non-terminal status")
				return nil
			}
			return fmt.Errorf("handle callback for payment %s: %w", event.PaymentID, err)
		}

		if !applied {
			logger.WithFields(log.Fields{
				"payment_id": event.PaymentID,
				"status":     event.Status,
			}).Debug("payment callback ignored")
			return nil
		}

		logger.WithFields(log.Fields{
			"payment_id": event.PaymentID,
			"status":     event.Status,
		}).Info("payment callback applied")
		return nil
	}
}
