package api

const raiseDisputeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["order_id", "reason"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "raised_by": {"type": "string", "minLength": 1, "maxLength": 255},
    "reason": {"type": "string", "minLength": 1, "maxLength": 2000},
    "reason_code": {"type": "string", "enum": ["NOT_RECEIVED", "WRONG_ITEM", "DAMAGED", "NOT_AS_DESCRIBED", "OTHER"]},
    "trigger_type": {"type": "string", "enum": ["CUSTOMER_TO_DEALER", "DEALER_TO_MANUFACTURER", "ADMIN_INTERNAL"]}
  }
}`

const addEvidenceSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["file_ref", "type"],
  "properties": {
    "file_ref": {"type": "string", "minLength": 1, "maxLength": 1024},
    "type": {"type": "string", "enum": ["UNBOXING_VIDEO", "POD", "INVOICE", "PHOTO", "CHAT_LOG", "OTHER"]},
    "uploaded_by": {"type": "string", "minLength": 1, "maxLength": 255},
    "latitude": {"type": "number", "minimum": -90, "maximum": 90},
    "longitude": {"type": "number", "minimum": -180, "maximum": 180},
    "device_timestamp": {"type": "string", "format": "date-time"},
    "extra": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "dependentRequired": {"latitude": ["longitude"], "longitude": ["latitude"]}
}`

const resolveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["resolution"],
  "properties": {
    "resolution": {"type": "string", "enum": ["AUTO_REFUND_CUSTOMER", "FAVOR_CUSTOMER", "REFUND_PENDING_RETURN", "REJECT_DISPUTE", "RELEASE", "REFUND"]},
    "reviewer_id": {"type": "string", "minLength": 1, "maxLength": 255},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,4})?$"},
    "justification": {"type": "string", "maxLength": 2000}
  }
}`

const amountPattern = `{"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,4})?$"}`

const placeOrderSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["id", "customer_id", "dealer_id", "total"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 64},
    "customer_id": {"type": "string", "minLength": 1},
    "dealer_id": {"type": "string", "minLength": 1},
    "total": ` + amountPattern + `,
    "tax_amount": ` + amountPattern + `,
    "commission_amount": ` + amountPattern + `,
    "manufacturer_amount": ` + amountPattern + `
  }
}`

const advanceOrderSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["CONFIRMED", "SHIPPED", "DELIVERED", "COMPLETED"]},
    "reason": {"type": "string", "maxLength": 500}
  }
}`
