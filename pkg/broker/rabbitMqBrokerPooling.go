package broker

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type dialedConnection struct {
	*amqp.Connection
}

func (c dialedConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dialAmqp = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return dialedConnection{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func (r *rabbitMqBroker) newConnection() (amqpConnection, error) {
	conn, err := dialAmqp(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error))
	go func() {
		for err := range notifyClose {
			r.log.Warn("connection closed", zap.Error(err))
		}
	}()

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("broker closed")
	}

	if r.connection != nil && !r.connection.IsClosed() {
		_ = r.connection.Close()
	}

	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	// Drain the old pool; its channels died with the old connection.
	close(r.channelPool)
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	if r.settings.Exchange != "" {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		err = channel.ExchangeDeclare(
			r.settings.Exchange, // name
			"topic",             // type
			true,                // durable
			false,               // auto-deleted
			false,               // internal
			false,               // no-wait
			nil,                 // arguments
		)
		_ = channel.Close()
		if err != nil {
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	r.log.Info("connection and channel pool initialized", zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			down := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if !down {
				continue
			}
			r.log.Info("attempting to reconnect")
			if err := r.connectAndInitialize(); err != nil {
				r.log.Error("failed to reconnect", zap.Error(err))
			} else {
				r.log.Info("reconnected")
			}
		case <-r.stopReconnect:
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, connection := r.channelPool, r.connection
	r.mu.Unlock()

	for {
		select {
		case pooledChan, ok := <-pool:
			if !ok {
				// The pool was swapped by a reconnect.
				r.mu.Lock()
				if r.closed {
					r.mu.Unlock()
					return nil, errors.New("broker closed")
				}
				pool, connection = r.channelPool, r.connection
				r.mu.Unlock()
				continue
			}
			select {
			case err := <-pooledChan.notifyClose:
				r.log.Debug("discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			channel, err := connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		r.log.Debug("discarding closed channel", zap.Error(err))
		return
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		_ = pooledChan.channel.Close()
	}
}
