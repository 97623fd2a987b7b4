package crm

import (
	_ "embed"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// Agent names as seen by the orchestration service.
const (
	MarketingAgentName      = "marketing_agent"
	OrderSupportAgentName   = "order_support_agent"
	ProductSupportAgentName = "product_support_agent"
	FrontDeskAgentName      = "front_desk_agent"
)

// DefaultKnowledgeBaseID is the product documentation knowledge base.
const DefaultKnowledgeBaseID = "E3KSHKTHEL"

// OrdersActionGroupName is the action group served by the order handler function.
const OrdersActionGroupName = "HandleOrders"

//go:embed schema/orders.openapi.json
var ordersAPISchema string

// OrdersAPISchema returns the OpenAPI document of the orders action group.
func OrdersAPISchema() string { return ordersAPISchema }

const (
	marketingInstruction = "You are the Marketing Agent. Your primary goal is to provide detailed, accurate, and helpful information " +
		"about our company. You can make up everything you want, but make sure it is believable."

	orderSupportInstruction = "You are the Order Support Agent. Your primary goal is to provide detailed, accurate, and helpful information " +
		"about the orders. Use only the information from the provided tools. If order is not available, " +
		"do not make up information, tell that you do not know." +
		"\nNext to fetching information, you also have the ability to create, update and delete orders. "

	productSupportInstruction = "You are the Product Support Agent. Your primary goal is to provide detailed, accurate, and helpful information " +
		"about the products. Use only the information from the provided AWS knowledge base. If the information is not available, " +
		"do not make up information, tell that you do not know."

	frontDeskInstruction = "You are the Front Desk Agent. Your primary goal is to provide detailed, accurate, and helpful information " +
		"about our company and orders. Your responsibility is to talk to the user to understand their needs and " +
		"then relay the information to the Order Support Agent and Marketing Agent. "
)

// MarketingAgent answers questions about the company. It has no capabilities.
func MarketingAgent(s Settings, opts ...Option) *Descriptor {
	return newDescriptor(s, MarketingAgentName, "Marketing Agent", marketingInstruction,
		"Use to answer questions about the company.", opts...)
}

// OrderSupportAgent answers questions about orders and can create, update and
// delete them through the orders action group served by executorARN.
func OrderSupportAgent(s Settings, executorARN string, opts ...Option) (*Descriptor, error) {
	d := newDescriptor(s, OrderSupportAgentName, "Order Support Agent", orderSupportInstruction,
		"Use to answer questions about orders, and to create, update or delete orders.", opts...)
	err := d.attachActionGroup(domain.ActionGroup{
		Name:          OrdersActionGroupName,
		Description:   "This action group handles the orders.",
		Executor:      executorARN,
		SchemaPayload: ordersAPISchema,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ProductSupportAgent answers product questions from the product knowledge base.
func ProductSupportAgent(s Settings, opts ...Option) (*Descriptor, error) {
	d := newDescriptor(s, ProductSupportAgentName, "Product Support Agent", productSupportInstruction,
		"Use to answer questions about products the company is selling.", opts...)
	kbID := s.KnowledgeBaseID
	if kbID == "" {
		kbID = DefaultKnowledgeBaseID
	}
	err := d.attachKnowledgeBase(domain.KnowledgeBase{
		ID:          kbID,
		Description: "Knowledge base for product support, contains information about products that we sell.",
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// FrontDeskAgent returns the descriptor of the supervising agent without subordinates.
func FrontDeskAgent(s Settings, opts ...Option) *Descriptor {
	return newDescriptor(s, FrontDeskAgentName, "Front Desk Agent", frontDeskInstruction, "", opts...)
}

// FrontDesk binds the front desk agent to its subordinates. It supervises with
// the mode and relay policy of s, a routing supervisor that relays the
// conversation unless configured otherwise.
func FrontDesk(s Settings, subordinates []*Descriptor, opts ...Option) *Supervisor {
	subs := make([]*Descriptor, len(subordinates))
	copy(subs, subordinates)
	return &Supervisor{
		desc:         FrontDeskAgent(s, opts...),
		mode:         s.collaborationMode(),
		relay:        s.relayPolicy(),
		subordinates: subs,
	}
}

// Team builds the three support agents in the order the front desk routes to them.
func Team(s Settings, executorARN string, opts ...Option) ([]*Descriptor, error) {
	orders, err := OrderSupportAgent(s, executorARN, opts...)
	if err != nil {
		return nil, err
	}
	products, err := ProductSupportAgent(s, opts...)
	if err != nil {
		return nil, err
	}
	return []*Descriptor{MarketingAgent(s, opts...), orders, products}, nil
}
